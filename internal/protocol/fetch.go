package protocol

// Body references a request or response body. Small bodies travel inline;
// larger ones are registered and pulled with read-body-chunk.
type Body struct {
	ID       int64  `cbor:"id,omitempty"`
	Inline   []byte `cbor:"inline,omitempty"`
	IsInline bool   `cbor:"isInline,omitempty"`
}

// ReadChunk asks the owner of a body for its next chunk. Cancel releases
// the body without reading the rest.
type ReadChunk struct {
	ID     int64 `cbor:"id"`
	Cancel bool  `cbor:"cancel,omitempty"`
}

// Chunk is one read of a registered body.
type Chunk struct {
	Value []byte `cbor:"value,omitempty"`
	Done  bool   `cbor:"done"`
}

// HTTPRequest is the payload of fetch and worker-fetch.
type HTTPRequest struct {
	Method   string              `cbor:"method"`
	URL      string              `cbor:"url"`
	Headers  map[string][]string `cbor:"headers,omitempty"`
	Body     *Body               `cbor:"body,omitempty"`
	ClientIP string              `cbor:"clientIp,omitempty"`
}

// HTTPResponse answers fetch and worker-fetch. WebSocket is set when the
// script upgraded the connection.
type HTTPResponse struct {
	Status     int                 `cbor:"status"`
	StatusText string              `cbor:"statusText,omitempty"`
	Headers    map[string][]string `cbor:"headers,omitempty"`
	Body       *Body               `cbor:"body,omitempty"`
	WebSocket  *WebSocketRef       `cbor:"webSocket,omitempty"`
}

// Script kinds accepted by run-script.
const (
	ScriptModule        = "module"
	ScriptServiceWorker = "service-worker"
)

// RunScript loads a script into the worker.
type RunScript struct {
	ScriptContents string    `cbor:"scriptContents"`
	ScriptKind     string    `cbor:"scriptKind"`
	Bindings       []Binding `cbor:"bindings,omitempty"`
	IsolateID      string    `cbor:"isolateId"`
}

// Binding types.
const (
	BindingText   = "text"
	BindingSecret = "secret"
	BindingJSON   = "json"
	BindingKV     = "kv"
	BindingR2     = "r2"
	BindingDO     = "do"
	BindingD1     = "d1"
)

// Binding exposes one capability or value to the script as env[Name].
type Binding struct {
	Name         string `cbor:"name" toml:"name" yaml:"name"`
	Type         string `cbor:"type" toml:"type" yaml:"type"`
	Value        string `cbor:"value,omitempty" toml:"value" yaml:"value"`
	Namespace    string `cbor:"namespace,omitempty" toml:"namespace" yaml:"namespace"`
	Bucket       string `cbor:"bucket,omitempty" toml:"bucket" yaml:"bucket"`
	ClassName    string `cbor:"className,omitempty" toml:"class_name" yaml:"class_name"`
	Storage      string `cbor:"storage,omitempty" toml:"storage" yaml:"storage"`
	DatabaseUUID string `cbor:"databaseUuid,omitempty" toml:"database_uuid" yaml:"database_uuid"`
}
