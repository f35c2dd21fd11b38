package engine

import (
	"github.com/plcruntime/core/image"
)

// wasmPageSize mirrors the WebAssembly linear-memory page granularity
// named in spec.md §3/§6 ("≥ one 64 KiB page"); goja's ArrayBuffer has
// no page concept, but rounding the configured memory size up to a
// multiple of this keeps the ABI's language honest.
const wasmPageSize = 64 * 1024

// memoryFor rounds a requested memory size up to whole pages, enforcing
// the image.Size floor (process image must fit) and the single required
// page.
func memoryFor(maxBytes int) int {
	if maxBytes < wasmPageSize {
		maxBytes = wasmPageSize
	}
	if maxBytes < image.Size {
		maxBytes = image.Size
	}
	pages := (maxBytes + wasmPageSize - 1) / wasmPageSize
	return pages * wasmPageSize
}

// copyImageIn writes img's bytes into the head of the sandbox's linear
// memory, per spec.md §3: the host atomically overwrites input regions
// before each step.
func copyImageIn(mem []byte, img *image.Image) {
	copy(mem[:image.Size], img.Bytes())
}

// copyImageOut reads the process-image region back out of the sandbox's
// linear memory into a fresh Image value, representing the output
// snapshot taken after Step, per spec.md §3/§4.1 (Egress).
func copyImageOut(mem []byte) image.Image {
	var out image.Image
	copy(out.Bytes(), mem[:image.Size])
	return out
}
