package pktcount

const (
	// DefaultProgramName is the name of the counter program inside an
	// image.
	DefaultProgramName = "count_packets"
	// DefaultMapName is the name of the counter map inside an image.
	DefaultMapName = "pkt_count"
	// License is the license string the counter program is loaded
	// with. GPL-compatible so the kernel permits the helpers it calls.
	License = "Dual MIT/GPL"
	// CounterKey is the only key of the counter map.
	CounterKey uint32 = 0
)

// Image describes the program image handed to the Attachment Manager.
//
// Object holds an ELF object as an opaque byte sequence. When Object
// is empty the built-in counter program is used.
type Image struct {
	Object      []byte `json:"-"`
	Source      string `json:"source"`
	ProgramName string `json:"program_name"`
	MapName     string `json:"map_name"`
}

// Builtin reports whether the image refers to the built-in program.
func (i Image) Builtin() bool {
	return len(i.Object) == 0
}

// WithDefaults fills in the program and map names when unset.
func (i Image) WithDefaults() Image {
	if i.ProgramName == "" {
		i.ProgramName = DefaultProgramName
	}
	if i.MapName == "" {
		i.MapName = DefaultMapName
	}
	if i.Source == "" && i.Builtin() {
		i.Source = "builtin"
	}
	return i
}
