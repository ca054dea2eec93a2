package jni

const ThreadAffinityChecked = threadAffinityChecked

// Finalize runs the cleanup a collected wrapper would trigger.
func (vm *VM) Finalize(id WrapperID, h *Handle) {
	vm.finalize(id, h)
}

func ResetCurrent() {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = nil
}
