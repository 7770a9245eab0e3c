//go:build !linux && !darwin

package process

func list() ([]Process, error) {
	return nil, ErrUnsupported
}
