package hostpaths

// FakeHost is a fixed-answer stand-in for WindowsHost, used by tests that
// exercise the search-order path without a real Windows installation.
type FakeHost struct {
	SystemDir  string
	WindowsDir string
}

func (f FakeHost) SystemDirectory() (string, error)  { return f.SystemDir, nil }
func (f FakeHost) WindowsDirectory() (string, error) { return f.WindowsDir, nil }
