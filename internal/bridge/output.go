package bridge

import (
	"github.com/tetratelabs/wazero/api"
)

// The computation export does not have one fixed return convention.
// Observed shapes: two results carrying (ptr, len) directly, a single
// result pointing at an 8-byte {ptr, len} return area in linear memory,
// and no result at all with the text pushed through the host sink.
// All three must decode to the same logical UTF-8 string.

type outputShape int

const (
	shapeUnknown outputShape = iota
	shapePair                // results = [ptr, len]
	shapeStruct              // results = [addr of {ptr, len}]
	shapeText                // host sink captured the string
)

type moduleOutput struct {
	shape outputShape
	ptr   uint32 // shapePair
	size  uint32 // shapePair
	addr  uint32 // shapeStruct
	text  string // shapeText
}

// classifyOutput maps raw call results (plus whatever the host sink
// captured during the call) onto the tagged union above.
func classifyOutput(results []uint64, sinkText string) moduleOutput {
	switch {
	case len(results) == 2:
		return moduleOutput{
			shape: shapePair,
			ptr:   uint32(results[0]),
			size:  uint32(results[1]),
		}
	case len(results) == 1 && results[0] != 0:
		return moduleOutput{shape: shapeStruct, addr: uint32(results[0])}
	case sinkText != "":
		return moduleOutput{shape: shapeText, text: sinkText}
	}
	return moduleOutput{shape: shapeUnknown}
}

// decode resolves the output to its string value. ok=false covers both
// the unknown shape and out-of-range memory reads.
func (o moduleOutput) decode(mem api.Memory) (string, bool) {
	switch o.shape {
	case shapePair:
		return readString(mem, o.ptr, o.size)
	case shapeStruct:
		ptr, ok := mem.ReadUint32Le(o.addr)
		if !ok {
			return "", false
		}
		size, ok := mem.ReadUint32Le(o.addr + 4)
		if !ok {
			return "", false
		}
		return readString(mem, ptr, size)
	case shapeText:
		return o.text, true
	}
	return "", false
}

// freeTargets lists the module-owned pointers that should be handed to
// the module's free export after decoding, when one exists.
func (o moduleOutput) freeTargets(mem api.Memory) []uint32 {
	switch o.shape {
	case shapePair:
		return []uint32{o.ptr}
	case shapeStruct:
		if ptr, ok := mem.ReadUint32Le(o.addr); ok {
			return []uint32{ptr}
		}
	}
	return nil
}

func readString(mem api.Memory, ptr, size uint32) (string, bool) {
	if size == 0 {
		return "", true
	}
	data, ok := mem.Read(ptr, size)
	if !ok {
		return "", false
	}
	return string(data), true
}
