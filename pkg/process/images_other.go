//go:build !linux && !(darwin && cgo)

package process

func images(pid int) ([]Image, error) {
	return nil, ErrUnsupported
}
