// Package detector finds supervised children left behind by an earlier run.
// A PID file stores the PID together with the process start time, so a PID
// the OS has since handed to an unrelated process is not mistaken for ours.
package detector

// Detector reports whether a process is still running.
type Detector interface {
	Alive() (bool, error)
	Describe() string
}
