package engine

// ProgressEmitter defines the domain-agnostic interface for emitting
// progress updates during long-running workflow stages. This interface
// lives in the engine layer and should NOT contain any domain-specific
// methods.
//
// Domain packages can:
// 1. Use these methods directly for generic progress reporting
// 2. Create wrapper emitters that add domain-specific convenience methods
type ProgressEmitter interface {
	// EmitStage announces the start of a processing stage
	EmitStage(stage string, message string)

	// EmitProgress announces incremental progress with count and
	// optional metadata. Domains pass entity data as metadata maps.
	EmitProgress(count int, metadata map[string]interface{})

	// EmitWarning announces recoverable trouble inside a stage, such as
	// a preprocessing fallback
	EmitWarning(stage string, message string)

	// EmitComplete announces successful completion with summary
	EmitComplete(summary map[string]interface{})

	// EmitError announces an error during processing
	EmitError(stage string, err error)

	// EmitInfo emits a general informational message
	EmitInfo(message string)
}

// NopEmitter discards all progress updates. Useful for tests and
// one-shot CLI paths that do not track progress.
type NopEmitter struct{}

func (NopEmitter) EmitStage(string, string)                 {}
func (NopEmitter) EmitProgress(int, map[string]interface{}) {}
func (NopEmitter) EmitWarning(string, string)               {}
func (NopEmitter) EmitComplete(map[string]interface{})      {}
func (NopEmitter) EmitError(string, error)                  {}
func (NopEmitter) EmitInfo(string)                          {}
