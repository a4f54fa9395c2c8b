//go:build !linux

package capability

func HasSysResource() (bool, error) {
	return false, nil
}

// DropSysResource is a no-op where Linux capabilities do not exist.
func DropSysResource() (bool, error) {
	return false, nil
}
