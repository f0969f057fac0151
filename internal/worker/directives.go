package worker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vivym/scimate-agent/internal/protocol"
)

// HandleControl parses and executes one control-channel payload. Failures
// are reported inside the response record, never as transport errors.
func (r *Runtime) HandleControl(code string) protocol.ControlResponse {
	head, body, _ := strings.Cut(strings.TrimLeft(code, "\n"), "\n")
	fields := strings.Fields(strings.TrimSpace(head))
	if len(fields) == 0 {
		return protocol.NewControlResponse(false, "empty control payload", nil)
	}
	directive, args := fields[0], fields[1:]

	switch directive {
	case protocol.DirSessionInit:
		if len(args) < 1 {
			return protocol.NewControlResponse(false, "session_init requires a session id", nil)
		}
		cwd := ""
		if len(args) > 1 {
			cwd = args[1]
		}
		if err := r.InitSession(args[0], cwd); err != nil {
			return protocol.NewControlResponse(false, err.Error(), nil)
		}
		return protocol.NewControlResponse(true, "session initialized", nil)

	case protocol.DirUpdateSessionVars:
		var vars map[string]string
		if err := json.Unmarshal([]byte(body), &vars); err != nil {
			return protocol.NewControlResponse(false, fmt.Sprintf("bad session vars: %v", err), nil)
		}
		r.UpdateSessionVars(vars)
		return protocol.NewControlResponse(true, fmt.Sprintf("%d session vars updated", len(vars)), nil)

	case protocol.DirRegisterPlugin:
		if len(args) < 2 {
			return protocol.NewControlResponse(false, "register_plugin requires name and hashsum", nil)
		}
		payload := strings.Map(dropSpace, body)
		if err := r.RegisterPlugin(args[0], args[1], payload); err != nil {
			return protocol.NewControlResponse(false, err.Error(), nil)
		}
		return protocol.NewControlResponse(true, fmt.Sprintf("plugin %s registered", args[0]), nil)

	case protocol.DirConfigurePlugin:
		if len(args) < 1 {
			return protocol.NewControlResponse(false, "configure_plugin requires a name", nil)
		}
		var config map[string]string
		if strings.TrimSpace(body) != "" {
			if err := json.Unmarshal([]byte(body), &config); err != nil {
				return protocol.NewControlResponse(false, fmt.Sprintf("bad plugin config: %v", err), nil)
			}
		}
		if err := r.ConfigurePlugin(args[0], config); err != nil {
			return protocol.NewControlResponse(false, err.Error(), nil)
		}
		return protocol.NewControlResponse(true, fmt.Sprintf("plugin %s configured", args[0]), nil)

	case protocol.DirTestPlugin:
		if len(args) < 1 {
			return protocol.NewControlResponse(false, "test_plugin requires a name", nil)
		}
		msg, err := r.TestPlugin(args[0])
		if err != nil {
			return protocol.NewControlResponse(false, err.Error(), nil)
		}
		return protocol.NewControlResponse(true, msg, nil)

	case protocol.DirUnloadPlugin:
		if len(args) < 1 {
			return protocol.NewControlResponse(false, "unload_plugin requires a name", nil)
		}
		return protocol.NewControlResponse(true, r.UnloadPlugin(args[0]), nil)

	case protocol.DirExecPreCheck:
		if len(args) < 2 {
			return protocol.NewControlResponse(false, "exec_pre_check requires exec id and index", nil)
		}
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return protocol.NewControlResponse(false, fmt.Sprintf("bad exec index: %v", err), nil)
		}
		return protocol.NewControlResponse(true, "pre-check ok", r.PreCheck(args[0], index))

	case protocol.DirExecPostCheck:
		return protocol.NewControlResponse(true, "post-check ok", r.PostCheck())

	case protocol.DirConvertPath:
		var converted []string
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			converted = append(converted, r.ConvertPath(line))
		}
		return protocol.NewControlResponse(true, "paths converted", map[string]any{"paths": converted})

	default:
		return protocol.NewControlResponse(false, fmt.Sprintf("unknown directive %q", directive), nil)
	}
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\t', '\n', '\r':
		return -1
	}
	return r
}
