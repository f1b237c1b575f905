// Package rpc defines the wire protocol between the pm3 CLI client and the
// pm3d daemon: newline-delimited JSON requests and responses exchanged over
// a local Unix domain socket.
package rpc

// RequestType tags which operation a Request carries.
type RequestType string

const (
	ReqStart     RequestType = "start"
	ReqStop      RequestType = "stop"
	ReqRestart   RequestType = "restart"
	ReqList      RequestType = "list"
	ReqKill      RequestType = "kill"
	ReqReload    RequestType = "reload"
	ReqInfo      RequestType = "info"
	ReqSignal    RequestType = "signal"
	ReqSave      RequestType = "save"
	ReqResurrect RequestType = "resurrect"
	ReqFlush     RequestType = "flush"
	ReqLog       RequestType = "log"
)

// Request is a single client->daemon message. Only the fields relevant to
// Type are populated; the rest are left at their zero value.
type Request struct {
	Type RequestType `json:"type"`

	ConfigPaths []string `json:"config_paths,omitempty"` // Start/Reload: TOML files to load
	Names       []string `json:"names,omitempty"`
	Env         string   `json:"env,omitempty"`
	Wait        bool     `json:"wait,omitempty"`
	Path        string   `json:"path,omitempty"` // PATH override for resolving commands

	Name   string `json:"name,omitempty"` // Info/Signal/Log
	Signal string `json:"signal,omitempty"`

	Lines  int  `json:"lines,omitempty"`
	Follow bool `json:"follow,omitempty"`
}

// ResponseType tags which shape a Response carries.
type ResponseType string

const (
	RespSuccess       ResponseType = "success"
	RespError         ResponseType = "error"
	RespProcessList   ResponseType = "process_list"
	RespProcessDetail ResponseType = "process_detail"
	RespLogLine       ResponseType = "log_line"
)

// Response is a single daemon->client message.
type Response struct {
	Type ResponseType `json:"type"`

	Message string `json:"message,omitempty"`

	Processes []ProcessInfo   `json:"processes,omitempty"`
	Detail    *ProcessDetail  `json:"detail,omitempty"`

	LogName string `json:"log_name,omitempty"`
	Line    string `json:"line,omitempty"`
}

// ProcessInfo is the summary row shown by `pm3 list`.
type ProcessInfo struct {
	Name        string  `json:"name"`
	PID         int     `json:"pid,omitempty"`
	Status      string  `json:"status"`
	UptimeSecs  int64   `json:"uptime_secs,omitempty"`
	Restarts    int     `json:"restarts"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemoryBytes uint64  `json:"memory_bytes,omitempty"`
	Group       string  `json:"group,omitempty"`
}

// ProcessDetail is the full record shown by `pm3 info <name>`.
type ProcessDetail struct {
	ProcessInfo
	Command     string            `json:"command"`
	WorkDir     string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	StdoutLog   string            `json:"stdout_log,omitempty"`
	StderrLog   string            `json:"stderr_log,omitempty"`
	HealthCheck string            `json:"health_check,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
}
