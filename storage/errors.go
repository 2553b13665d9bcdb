package storage

type StorageErr string

func (e StorageErr) Error() string {
	return string(e)
}

const (
	ErrNilSensor      = StorageErr("[storage] nil sensor")
	ErrNilElement     = StorageErr("[storage] nil stream element")
	ErrWindowNotFound = StorageErr("[storage] window not found")
	ErrInvalidQuery   = StorageErr("[storage] invalid window query")
	ErrNilDB          = StorageErr("[storage] nil gorm db")
)
