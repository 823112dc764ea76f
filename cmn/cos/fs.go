package cos

import (
	"os"
	"unsafe"
)

// UnsafeB and UnsafeS are zero-copy string<->[]byte conversions used on
// hot paths (hashing a name, comparing a static-config blob) where an
// allocation would be wasteful. The caller must not retain or mutate the
// byte slice beyond the string's lifetime.
func UnsafeB(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func UnsafeS(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

func Stat(path string) error {
	_, err := os.Stat(path)
	return err
}

func CreateFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

func RemoveFile(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
