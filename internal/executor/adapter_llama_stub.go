//go:build !llama

package executor

// LlamaBuilt reports whether this binary was compiled with in-process llama support.
const LlamaBuilt = false

// llamaAdapter refuses to run without the 'llama' build tag, keeping default
// builds CGO-free.
type llamaAdapter struct {
	ctxSize int
	threads int
}

// NewLlamaAdapter returns an adapter whose Start always fails in this build.
func NewLlamaAdapter(ctxSize, threads int) InferenceAdapter {
	return &llamaAdapter{ctxSize: ctxSize, threads: threads}
}

func (a *llamaAdapter) Start(modelPath string, params InferParams) (InferSession, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
