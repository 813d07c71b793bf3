package fsw

import "encoding/binary"

// scrubImageWords sizes the synthetic application-code baseline each
// lane's scrubber walks: a stand-in for the real flight image's
// .text/.rodata, small enough that a simulation run exercises several
// full scrub passes rather than modeling an actual program.
const scrubImageWords = 64

// buildScrubBaseline constructs a minimal ELF32 LE ARM EABI executable
// with one read-only PT_LOAD segment at elfscan.MemoryLow, holding a
// deterministic byte pattern standing in for code and constant data --
// the same baseline shape scrub_test.go builds for the scrubber's own
// tests, produced here as the image every lane's RAM is seeded from and
// scrubbed against.
func buildScrubBaseline() []byte {
	code := make([]byte, scrubImageWords*4)
	for i := range code {
		code[i] = byte(i*7 + 1)
	}

	const ehsize = 52
	const phentsize = 32
	const phoff = ehsize
	const dataOff = phoff + phentsize

	buf := make([]byte, dataOff)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4], buf[5], buf[6] = 1, 1, 1 // ELFCLASS32, ELFDATA2LSB, EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:18], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 40) // EM_ARM
	binary.LittleEndian.PutUint32(buf[20:24], 1)  // e_version
	binary.LittleEndian.PutUint32(buf[28:32], phoff)
	binary.LittleEndian.PutUint16(buf[42:44], phentsize)
	binary.LittleEndian.PutUint16(buf[44:46], 1) // e_phnum

	buf = append(buf, code...)

	ph := buf[phoff:dataOff]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], uint32(dataOff))
	binary.LittleEndian.PutUint32(ph[8:12], scrubBaselineVaddr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(code)))
	binary.LittleEndian.PutUint32(ph[20:24], uint32(len(code)))
	binary.LittleEndian.PutUint32(ph[24:28], 0x5) // PF_R | PF_X, no PF_W

	return buf
}

// scrubBaselineVaddr is the load address of the synthetic baseline
// image, at elfscan.MemoryLow.
const scrubBaselineVaddr = 0x40000000

// scrubRAM is a flat byte-slice Memory implementation backing one
// lane's private copy of the scrubbed image. Each lane gets its own
// instance seeded from the same baseline bytes, the software analog of
// three physically separate memory chips: an upset injected into one
// lane's copy never appears in another's.
type scrubRAM struct {
	base uint32
	data []byte
}

func newScrubRAM(base uint32, seed []byte) *scrubRAM {
	data := make([]byte, len(seed))
	copy(data, seed)
	return &scrubRAM{base: base, data: data}
}

func (m *scrubRAM) ReadAt(addr uint32, buf []byte) error {
	off := int(addr - m.base)
	copy(buf, m.data[off:off+len(buf)])
	return nil
}

func (m *scrubRAM) WriteAt(addr uint32, data []byte) error {
	off := int(addr - m.base)
	copy(m.data[off:], data)
	return nil
}
