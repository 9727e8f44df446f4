package dext

// Tensor is an opaque tensor-like value. The framework never inspects it; extensions and
// models agree between themselves on the concrete type.
type Tensor = any

// StateDict maps parameter names to tensors, like a model's weight table.
type StateDict map[string]Tensor

// Clone returns a shallow copy of the map. Tensor values are shared.
func (s StateDict) Clone() StateDict {
	if s == nil {
		return nil
	}
	out := make(StateDict, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
