package ihex

import (
	"bytes"
	"io"
	"os"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Block is a contiguous run of image bytes starting at Address.
type Block struct {
	Address uint32
	Data    []byte
}

// Page is one fixed-size, address-tagged chunk of an image.
type Page struct {
	Address uint32
	Data    []byte
}

// Parse reads an Intel HEX image and returns its data blocks in address order.
func Parse(r io.Reader) ([]Block, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "parse intel hex")
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, errors.New("intel hex image has no data records")
	}

	blocks := make([]Block, 0, len(segments))
	for _, s := range segments {
		blocks = append(blocks, Block{
			Address: s.Address,
			Data:    append([]byte(nil), s.Data...),
		})
	}
	return blocks, nil
}

// ParseFile opens path and parses it as Intel HEX.
func ParseFile(path string) ([]Block, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Size returns the number of image bytes before any padding.
func Size(blocks []Block) int {
	n := 0
	for _, b := range blocks {
		n += len(b.Data)
	}
	return n
}

// PaddingSpace extends every block to page boundaries, filling new bytes
// with fill. Blocks that end up sharing a page are merged. The input must be
// sorted by address, as Parse returns it.
func PaddingSpace(blocks []Block, pageSize int, fill byte) []Block {
	if pageSize <= 0 {
		return blocks
	}
	ps := uint32(pageSize)

	var result []Block
	for _, b := range blocks {
		if len(b.Data) == 0 {
			continue
		}
		start := b.Address - b.Address%ps
		end := b.Address + uint32(len(b.Data))
		if rem := end % ps; rem != 0 {
			end += ps - rem
		}

		if n := len(result); n > 0 {
			last := &result[n-1]
			lastEnd := last.Address + uint32(len(last.Data))
			if start < lastEnd {
				// Same page as the previous block: overlay onto it.
				if end > lastEnd {
					last.Data = append(last.Data, bytes.Repeat([]byte{fill}, int(end-lastEnd))...)
				}
				copy(last.Data[b.Address-last.Address:], b.Data)
				continue
			}
		}

		data := bytes.Repeat([]byte{fill}, int(end-start))
		copy(data[b.Address-start:], b.Data)
		result = append(result, Block{Address: start, Data: data})
	}
	return result
}

// CutToPages slices page-aligned blocks into pages of pageSize bytes. A
// trailing partial page, which PaddingSpace never produces, is padded with
// 0xFF.
func CutToPages(blocks []Block, pageSize int) []Page {
	if pageSize <= 0 {
		return nil
	}
	var pages []Page
	for _, b := range blocks {
		for off := 0; off < len(b.Data); off += pageSize {
			end := off + pageSize
			data := make([]byte, pageSize)
			if end > len(b.Data) {
				n := copy(data, b.Data[off:])
				for i := n; i < pageSize; i++ {
					data[i] = 0xFF
				}
			} else {
				copy(data, b.Data[off:end])
			}
			pages = append(pages, Page{
				Address: b.Address + uint32(off),
				Data:    data,
			})
		}
	}
	return pages
}

// Load parses the image at path and returns its pages together with the
// unpadded image size.
func Load(path string, pageSize int, fill byte) ([]Page, int, error) {
	blocks, err := ParseFile(path)
	if err != nil {
		return nil, 0, err
	}
	size := Size(blocks)
	blocks = PaddingSpace(blocks, pageSize, fill)
	return CutToPages(blocks, pageSize), size, nil
}
