package protocol

// Control directives accepted on the control channel. Line directives take
// their arguments on the directive line; cell directives ("%%") carry a body
// after the first line.
const (
	DirSessionInit       = "%scimate_session_init"
	DirTestPlugin        = "%scimate_test_plugin"
	DirUnloadPlugin      = "%scimate_unload_plugin"
	DirExecPreCheck      = "%scimate_exec_pre_check"
	DirExecPostCheck     = "%scimate_exec_post_check"
	DirUpdateSessionVars = "%%scimate_update_session_vars"
	DirRegisterPlugin    = "%%scimate_register_plugin"
	DirConfigurePlugin   = "%%scimate_configure_plugin"
	DirConvertPath       = "%%scimate_convert_path"
)
