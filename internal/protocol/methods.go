package protocol

// Routing keys. The comment on each names the side that handles it.
const (
	MethodFetch         = "fetch"           // host: outbound fetch from the script
	MethodWorkerFetch   = "worker-fetch"    // worker: inbound request
	MethodReadBodyChunk = "read-body-chunk" // both
	MethodRunScript     = "run-script"      // worker

	MethodKVGet    = "kv-namespace-get"
	MethodKVPut    = "kv-namespace-put"
	MethodKVDelete = "kv-namespace-delete"
	MethodKVList   = "kv-namespace-list"

	MethodR2List   = "r2-bucket-list"
	MethodR2Head   = "r2-bucket-head"
	MethodR2Delete = "r2-bucket-delete"
	MethodR2Get    = "r2-bucket-get"
	MethodR2Put    = "r2-bucket-put"

	MethodDOStorage = "do-storage"
	MethodDOAlarm   = "do-alarm" // worker: alarm dispatch

	MethodD1 = "d1"

	MethodWSAllocate = "ws-allocate"
	MethodWSToStub   = "ws-to-stub"   // worker
	MethodWSFromStub = "ws-from-stub" // host

	MethodSocketOpen     = "socket-open"
	MethodSocketData     = "socket-data" // both
	MethodSocketClose    = "socket-close"
	MethodSocketStartTLS = "socket-start-tls"
)

// Sub-methods of do-storage.
const (
	StorageGet1        = "get1"
	StorageGet2        = "get2"
	StoragePut1        = "put1"
	StoragePut2        = "put2"
	StorageDelete1     = "delete1"
	StorageDelete2     = "delete2"
	StorageList        = "list"
	StorageSync        = "sync"
	StorageDeleteAll   = "delete-all"
	StorageGetAlarm    = "get-alarm"
	StorageSetAlarm    = "set-alarm"
	StorageDeleteAlarm = "delete-alarm"
)

// Sub-methods of d1.
const (
	D1Exec  = "exec"
	D1Batch = "batch"
	D1First = "first"
	D1All   = "all"
	D1Raw   = "raw"
)
