package guest

import "fmt"

// Trap is the panic payload used for faults the guest cannot recover from:
// allocation failure, out of bounds access and (with strict bounds) a host reply
// outside the reservation. The instance that trapped must be discarded.
type Trap struct {
	Op     string
	Reason string
}

func (t *Trap) Error() string {
	return fmt.Sprintf("guest trap in %s: %s", t.Op, t.Reason)
}

func trap(op, format string, args ...any) {
	panic(&Trap{Op: op, Reason: fmt.Sprintf(format, args...)})
}

// Catch recovers a *Trap raised by the guest and stores it in err.
// Any other panic is re-raised. It must be deferred directly.
func Catch(err *error) {
	r := recover()
	if r == nil {
		return
	}

	t, ok := r.(*Trap)
	if !ok {
		panic(r)
	}

	*err = t
}
