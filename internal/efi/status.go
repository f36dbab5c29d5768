package efi

import "fmt"

// Status is an EFI_STATUS word. Error statuses have the high bit set.
type Status uint64

const statusError Status = 1 << 63

const (
	StatusSuccess           Status = 0
	StatusLoadError         Status = statusError | 1
	StatusInvalidParameter  Status = statusError | 2
	StatusUnsupported       Status = statusError | 3
	StatusBadBufferSize     Status = statusError | 4
	StatusBufferTooSmall    Status = statusError | 5
	StatusNotReady          Status = statusError | 6
	StatusDeviceError       Status = statusError | 7
	StatusWriteProtected    Status = statusError | 8
	StatusOutOfResources    Status = statusError | 9
	StatusVolumeCorrupted   Status = statusError | 10
	StatusVolumeFull        Status = statusError | 11
	StatusNoMedia           Status = statusError | 12
	StatusMediaChanged      Status = statusError | 13
	StatusNotFound          Status = statusError | 14
	StatusAccessDenied      Status = statusError | 15
	StatusTimeout           Status = statusError | 18
	StatusAborted           Status = statusError | 21
	StatusSecurityViolation Status = statusError | 26
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLoadError:
		return "load error"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusUnsupported:
		return "unsupported"
	case StatusBadBufferSize:
		return "bad buffer size"
	case StatusBufferTooSmall:
		return "buffer too small"
	case StatusNotReady:
		return "not ready"
	case StatusDeviceError:
		return "device error"
	case StatusWriteProtected:
		return "write protected"
	case StatusOutOfResources:
		return "out of resources"
	case StatusVolumeCorrupted:
		return "volume corrupted"
	case StatusVolumeFull:
		return "volume full"
	case StatusNoMedia:
		return "no media"
	case StatusMediaChanged:
		return "media changed"
	case StatusNotFound:
		return "not found"
	case StatusAccessDenied:
		return "access denied"
	case StatusTimeout:
		return "timeout"
	case StatusAborted:
		return "aborted"
	case StatusSecurityViolation:
		return "security violation"
	default:
		return fmt.Sprintf("status %#x", uint64(s))
	}
}

// Err maps a status word onto the package sentinels so callers can use
// errors.Is across adapters.
func (s Status) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusNotFound, StatusNoMedia:
		return fmt.Errorf("%w (%s)", ErrNotFound, s)
	case StatusOutOfResources:
		return ErrOutOfResources
	case StatusBufferTooSmall:
		return ErrBufferTooSmall
	case StatusUnsupported:
		return ErrUnsupported
	case StatusDeviceError, StatusVolumeCorrupted, StatusMediaChanged:
		return fmt.Errorf("%w (%s)", ErrDeviceError, s)
	default:
		return fmt.Errorf("efi status: %s", s)
	}
}
