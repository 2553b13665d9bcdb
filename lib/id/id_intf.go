package id

// Gen generates the number id.
type Gen func() uint64

// Generator hands out process-unique identifiers both as numbers
// and as their decimal string form.
type Generator interface {
	Number() uint64
	Str() string
}

var (
	_ Generator = (*defaultID)(nil)
)

type defaultID struct {
	number Gen
	str    func() string
}

func (id *defaultID) Number() uint64 { return id.number() }
func (id *defaultID) Str() string    { return id.str() }

type NanoIDGen func() string
