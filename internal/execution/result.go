package execution

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/protocol"
)

// Artifact is one output object produced by an execution: a display payload
// rendered by the code or a file reported by the post-check.
type Artifact struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	MimeType string `json:"mime_type,omitempty"`

	// Content holds inline payloads (SVG text, base64 PNG). File artifacts
	// carry a path instead.
	Content string `json:"content,omitempty"`
	Path    string `json:"path,omitempty"`
}

const (
	ArtifactImage = "image"
	ArtifactSVG   = "svg"
	ArtifactHTML  = "html"
	ArtifactText  = "text"
	ArtifactFile  = "file"
)

// ExecutionResult is the normalized outcome of one code execution.
type ExecutionResult struct {
	ExecutionID string `json:"execution_id"`
	SessionID   string `json:"session_id"`
	Code        string `json:"code"`
	IsSuccess   bool   `json:"is_success"`
	Error       string `json:"error,omitempty"`

	// Output is the primary text result: the value of the last expression.
	Output string `json:"output"`
	// OutputJSON is set when Output parses as JSON.
	OutputJSON json.RawMessage `json:"output_json,omitempty"`

	Stdout []string   `json:"stdout,omitempty"`
	Stderr []string   `json:"stderr,omitempty"`
	Log    []LogEntry `json:"log,omitempty"`

	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// LogEntry is one structured log record written by plugin code during the
// execution.
type LogEntry struct {
	Level   string `json:"level"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// Preview renders the compact description shown back to the conversation.
func (r *ExecutionResult) Preview() string {
	var b strings.Builder
	if r.IsSuccess {
		b.WriteString("The execution of the generated code has succeeded\n")
	} else {
		b.WriteString("The execution of the generated code has failed\n")
	}
	if r.Output != "" {
		b.WriteString("The result of above Go code after execution is:\n")
		b.WriteString(r.Output)
		b.WriteString("\n")
	}
	if len(r.Stdout) > 0 {
		b.WriteString("The stdout is:\n")
		b.WriteString(strings.Join(r.Stdout, ""))
		b.WriteString("\n")
	}
	if len(r.Stderr) > 0 {
		b.WriteString("The stderr is:\n")
		b.WriteString(strings.Join(r.Stderr, ""))
		b.WriteString("\n")
	}
	if r.Error != "" {
		b.WriteString("The error is:\n")
		b.WriteString(r.Error)
		b.WriteString("\n")
	}
	if len(r.Log) > 0 {
		b.WriteString("The log of the execution is:\n")
		for _, entry := range r.Log {
			b.WriteString("[(" + entry.Level + ") " + entry.Tag + "] " + entry.Message + "\n")
		}
	}
	for _, a := range r.Artifacts {
		if a.Path != "" {
			b.WriteString("Artifact file: " + a.Path + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// resultBuilder folds worker messages into an ExecutionResult. Displays are
// keyed by display id so update_display_data replaces rather than appends.
type resultBuilder struct {
	result       ExecutionResult
	displays     map[string]map[string]string
	displayOrder []string
	logger       *zap.Logger
}

func newResultBuilder(sessionID, execID, code string, logger *zap.Logger) *resultBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &resultBuilder{
		result: ExecutionResult{
			ExecutionID: execID,
			SessionID:   sessionID,
			Code:        code,
			IsSuccess:   true,
		},
		displays: make(map[string]map[string]string),
		logger:   logger,
	}
}

func (b *resultBuilder) consume(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindStream:
		switch msg.StreamName {
		case protocol.StreamStderr:
			b.result.Stderr = append(b.result.Stderr, msg.Text)
		default:
			b.result.Stdout = append(b.result.Stdout, msg.Text)
		}

	case protocol.KindExecuteResult:
		if text, ok := msg.Data[protocol.MimeTextPlain]; ok {
			// One execution yields one result record. A second one means
			// the worker stream is inconsistent; keep the first value.
			if b.result.Output != "" {
				b.logger.Warn("duplicate execute_result record dropped",
					zap.String("exec_id", b.result.ExecutionID),
					zap.String("dropped_output", text))
				break
			}
			b.result.Output = text
		}

	case protocol.KindDisplayData, protocol.KindUpdateDisplayData:
		id := msg.Data["display_id"]
		if id == "" {
			id = "display-" + strconv.Itoa(len(b.displayOrder))
		}
		if _, seen := b.displays[id]; !seen {
			b.displayOrder = append(b.displayOrder, id)
		}
		data := make(map[string]string, len(msg.Data))
		for k, v := range msg.Data {
			if k != "display_id" {
				data[k] = v
			}
		}
		b.displays[id] = data

	case protocol.KindError:
		b.result.IsSuccess = false
		if len(msg.Traceback) > 1 {
			b.result.Error = strings.Join(msg.Traceback, "\n")
		} else {
			b.result.Error = msg.ErrName + ": " + msg.ErrValue
		}
	}
}

// build finalizes the result. Each display becomes one artifact, choosing
// the richest scalable representation: SVG over raster over HTML over text.
func (b *resultBuilder) build() ExecutionResult {
	for _, id := range b.displayOrder {
		data := b.displays[id]
		artifact := Artifact{Name: id}
		switch {
		case data[protocol.MimeSVG] != "":
			artifact.Type = ArtifactSVG
			artifact.MimeType = protocol.MimeSVG
			artifact.Content = data[protocol.MimeSVG]
		case data[protocol.MimePNG] != "":
			artifact.Type = ArtifactImage
			artifact.MimeType = protocol.MimePNG
			artifact.Content = data[protocol.MimePNG]
		case data[protocol.MimeHTML] != "":
			artifact.Type = ArtifactHTML
			artifact.MimeType = protocol.MimeHTML
			artifact.Content = data[protocol.MimeHTML]
		case data[protocol.MimeTextPlain] != "":
			artifact.Type = ArtifactText
			artifact.MimeType = protocol.MimeTextPlain
			artifact.Content = data[protocol.MimeTextPlain]
		default:
			continue
		}
		b.result.Artifacts = append(b.result.Artifacts, artifact)
	}

	if out := strings.TrimSpace(b.result.Output); out != "" && looksLikeJSON(out) {
		var raw json.RawMessage
		if json.Unmarshal([]byte(out), &raw) == nil {
			b.result.OutputJSON = raw
		}
	}

	return b.result
}

// mergePostCheck folds artifact paths and logs reported by the post-check
// into the result.
func (r *ExecutionResult) mergePostCheck(data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	var post struct {
		ArtifactPaths []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		} `json:"artifact_paths"`
		Log []LogEntry `json:"log"`
	}
	if err := json.Unmarshal(data, &post); err != nil {
		return
	}

	r.Log = post.Log
	for _, ap := range post.ArtifactPaths {
		typ := ap.Type
		if typ == "" {
			typ = ArtifactFile
		}
		r.Artifacts = append(r.Artifacts, Artifact{
			Name: filepath.Base(ap.Path),
			Type: typ,
			Path: ap.Path,
		})
	}
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
