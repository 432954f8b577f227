package kernel

// PanicFn is installed by kernel/kfmt so that packages deep in the import
// graph (mem, mm, heap) can trigger a fatal halt without importing the
// console/formatting stack directly and risking an import cycle. It is nil
// until kfmt.init runs, at which point every package has had a chance to
// register the real implementation.
var PanicFn func(interface{})

// Panic routes to the installed panic handler, falling back to the runtime's
// own panic if the console stack has not been wired up yet (this should only
// happen for failures during the very first boot instructions).
func Panic(e interface{}) {
	if PanicFn != nil {
		PanicFn(e)
		return
	}
	panic(e)
}
