package protocol

// KVGet reads one key of a KV namespace.
type KVGet struct {
	Namespace string `cbor:"namespace"`
	Key       string `cbor:"key"`
}

// KVValue answers kv-namespace-get.
type KVValue struct {
	Value []byte `cbor:"value,omitempty"`
	Found bool   `cbor:"found"`
}

// KVPut writes one key. Expiration is an absolute unix time in seconds,
// zero for none.
type KVPut struct {
	Namespace  string            `cbor:"namespace"`
	Key        string            `cbor:"key"`
	Value      []byte            `cbor:"value"`
	Expiration int64             `cbor:"expiration,omitempty"`
	Metadata   map[string]string `cbor:"metadata,omitempty"`
}

// KVDelete removes one key.
type KVDelete struct {
	Namespace string `cbor:"namespace"`
	Key       string `cbor:"key"`
}

// KVList pages through a namespace in key order.
type KVList struct {
	Namespace string `cbor:"namespace"`
	Prefix    string `cbor:"prefix,omitempty"`
	Cursor    string `cbor:"cursor,omitempty"`
	Limit     int    `cbor:"limit,omitempty"`
}

// KVKey is one listed key.
type KVKey struct {
	Name       string            `cbor:"name"`
	Expiration int64             `cbor:"expiration,omitempty"`
	Metadata   map[string]string `cbor:"metadata,omitempty"`
}

// KVListResult answers kv-namespace-list.
type KVListResult struct {
	Keys         []KVKey `cbor:"keys"`
	ListComplete bool    `cbor:"listComplete"`
	Cursor       string  `cbor:"cursor,omitempty"`
}

// R2Object describes a stored object.
type R2Object struct {
	Key            string            `cbor:"key"`
	Size           int64             `cbor:"size"`
	ETag           string            `cbor:"etag"`
	Uploaded       int64             `cbor:"uploaded"`
	ContentType    string            `cbor:"contentType,omitempty"`
	CustomMetadata map[string]string `cbor:"customMetadata,omitempty"`
}

// R2List lists a bucket.
type R2List struct {
	Bucket    string `cbor:"bucket"`
	Prefix    string `cbor:"prefix,omitempty"`
	Cursor    string `cbor:"cursor,omitempty"`
	Delimiter string `cbor:"delimiter,omitempty"`
	Limit     int    `cbor:"limit,omitempty"`
}

// R2Objects answers r2-bucket-list.
type R2Objects struct {
	Objects           []R2Object `cbor:"objects"`
	Truncated         bool       `cbor:"truncated"`
	Cursor            string     `cbor:"cursor,omitempty"`
	DelimitedPrefixes []string   `cbor:"delimitedPrefixes,omitempty"`
}

// R2Key addresses one object for head and get.
type R2Key struct {
	Bucket string `cbor:"bucket"`
	Key    string `cbor:"key"`
}

// R2ObjectResult answers r2-bucket-head; Object is nil when absent.
type R2ObjectResult struct {
	Object *R2Object `cbor:"object,omitempty"`
}

// R2GetResult answers r2-bucket-get.
type R2GetResult struct {
	Object *R2Object `cbor:"object,omitempty"`
	Body   *Body     `cbor:"body,omitempty"`
}

// R2Put stores an object.
type R2Put struct {
	Bucket         string            `cbor:"bucket"`
	Key            string            `cbor:"key"`
	Body           *Body             `cbor:"body,omitempty"`
	ContentType    string            `cbor:"contentType,omitempty"`
	CustomMetadata map[string]string `cbor:"customMetadata,omitempty"`
}

// R2Delete removes one or more objects.
type R2Delete struct {
	Bucket string   `cbor:"bucket"`
	Keys   []string `cbor:"keys"`
}

// ListOptions are the range options of a durable storage list.
type ListOptions struct {
	Start      *string `cbor:"start,omitempty"`
	StartAfter *string `cbor:"startAfter,omitempty"`
	End        *string `cbor:"end,omitempty"`
	Prefix     *string `cbor:"prefix,omitempty"`
	Limit      *int    `cbor:"limit,omitempty"`
	Reverse    bool    `cbor:"reverse,omitempty"`
}

// Entry is one key/value pair of a durable store.
type Entry struct {
	Key   string `cbor:"key"`
	Value any    `cbor:"value"`
}

// DOStorage is one durable storage operation, sub-dispatched by Method.
// Options carries any per-call option the script passed; the host rejects
// options it does not implement.
type DOStorage struct {
	Method     string         `cbor:"method"`
	ClassName  string         `cbor:"className"`
	InstanceID string         `cbor:"instanceId"`
	Storage    string         `cbor:"storage,omitempty"`
	Key        string         `cbor:"key,omitempty"`
	Keys       []string       `cbor:"keys,omitempty"`
	Value      any            `cbor:"value,omitempty"`
	Entries    []Entry        `cbor:"entries,omitempty"`
	List       *ListOptions   `cbor:"list,omitempty"`
	Options    map[string]any `cbor:"options,omitempty"`
	AlarmTime  *int64         `cbor:"alarmTime,omitempty"`
}

// DOStorageResult answers do-storage. Which fields are set depends on the
// sub-method.
type DOStorageResult struct {
	Value     any     `cbor:"value,omitempty"`
	Found     bool    `cbor:"found,omitempty"`
	Entries   []Entry `cbor:"entries,omitempty"`
	Deleted   bool    `cbor:"deleted,omitempty"`
	Count     int     `cbor:"count,omitempty"`
	AlarmTime *int64  `cbor:"alarmTime,omitempty"`
}

// DOAlarm asks the worker to run an instance's alarm handler.
type DOAlarm struct {
	ClassName  string `cbor:"className"`
	InstanceID string `cbor:"instanceId"`
	Storage    string `cbor:"storage,omitempty"`
	Retry      int    `cbor:"retry,omitempty"`
}

// D1Statement is one bound statement.
type D1Statement struct {
	SQL    string `cbor:"sql"`
	Params []any  `cbor:"params,omitempty"`
}

// D1Request is one d1 operation, sub-dispatched by Method.
type D1Request struct {
	Method       string        `cbor:"method"`
	DatabaseUUID string        `cbor:"databaseUuid"`
	SQL          string        `cbor:"sql,omitempty"`
	Params       []any         `cbor:"params,omitempty"`
	Statements   []D1Statement `cbor:"statements,omitempty"`
}

// D1Meta carries the counters of a statement run.
type D1Meta struct {
	Duration    float64 `cbor:"duration"`
	Changes     int64   `cbor:"changes"`
	LastRowID   int64   `cbor:"lastRowId"`
	ChangedDB   bool    `cbor:"changedDb"`
	RowsRead    int64   `cbor:"rowsRead"`
	RowsWritten int64   `cbor:"rowsWritten"`
}

// D1Result is the result of one statement. Rows are column value arrays in
// Columns order.
type D1Result struct {
	Columns []string `cbor:"columns"`
	Rows    [][]any  `cbor:"rows"`
	Success bool     `cbor:"success"`
	Meta    D1Meta   `cbor:"meta"`
}

// D1ExecResult answers exec.
type D1ExecResult struct {
	Count    int     `cbor:"count"`
	Duration float64 `cbor:"duration"`
}

// D1Response answers d1. Result is set for first, all and raw; Batch for
// batch; Exec for exec.
type D1Response struct {
	Result *D1Result     `cbor:"result,omitempty"`
	Batch  []D1Result    `cbor:"batch,omitempty"`
	Exec   *D1ExecResult `cbor:"exec,omitempty"`
}
