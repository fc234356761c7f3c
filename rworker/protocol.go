package rworker

// The host and the R worker exchange newline-delimited JSON objects. Every
// request carries an ID that the matching response echoes; the worker
// answers requests strictly in order.

// Ops understood by the worker.
const (
	OpHello      = "hello"
	OpParse      = "parse"
	OpAssign     = "assign"
	OpScopeOpen  = "scope_open"
	OpScopeEval  = "scope_eval"
	OpScopeClose = "scope_close"
	OpLibPaths   = "libpaths"
	OpInstall    = "install"
	OpListFiles  = "list_files"
	OpMkdir      = "mkdir"
	OpWriteFile  = "write_file"
	OpReadFile   = "read_file"
	OpReadDir    = "read_dir"
	OpQuit       = "quit"
)

// Error kinds reported by the worker.
const (
	KindParse   = "parse"
	KindRuntime = "runtime"
	KindNoEnt   = "enoent"
	KindFatal   = "fatal"
)

// Request is one host-to-worker message.
type Request struct {
	ID       uint64   `json:"id"`
	Op       string   `json:"op"`
	Code     string   `json:"code,omitempty"`
	Name     string   `json:"name,omitempty"`
	Value    string   `json:"value,omitempty"`
	Scope    int      `json:"scope,omitempty"`
	Path     string   `json:"path,omitempty"`
	Data     []byte   `json:"data,omitempty"` // base64 on the wire
	Packages []string `json:"packages,omitempty"`
	Repos    []string `json:"repos,omitempty"`
	Paths    []string `json:"paths,omitempty"`
}

// Response is one worker-to-host message.
type Response struct {
	ID     uint64     `json:"id"`
	OK     bool       `json:"ok"`
	Value  string     `json:"value,omitempty"`
	Values []string   `json:"values,omitempty"`
	Scope  int        `json:"scope,omitempty"`
	Data   []byte     `json:"data,omitempty"`
	Output string     `json:"output,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// WireError is a failure reported by the worker.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
