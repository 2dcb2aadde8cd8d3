package capture

import "bytes"

var startCode = []byte{0, 0, 1}

// findStartCode returns the offset and the length of the first 3 or 4 byte
// start code at or after from, or -1.
func findStartCode(data []byte, from int) (int, int) {
	i := bytes.Index(data[from:], startCode)
	if i < 0 {
		return -1, 0
	}
	i += from
	if i > from && data[i-1] == 0 {
		return i - 1, 4
	}
	return i, 3
}

// splitNALU is a bufio.SplitFunc returning the NAL units of an Annex-B
// stream without their start codes. Bytes before the first start code are
// skipped.
func splitNALU(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}

	i, n := findStartCode(data, 0)
	switch {
	case i < 0 && atEOF:
		return len(data), nil, nil
	case i < 0:
		// keep the tail, it may hold the beginning of a start code
		if len(data) > 3 {
			return len(data) - 3, nil, nil
		}
		return 0, nil, nil
	case i > 0:
		return i, nil, nil
	}

	j, _ := findStartCode(data, n)
	if j < 0 {
		if atEOF {
			return len(data), data[n:], nil
		}
		return 0, nil, nil
	}
	return j, data[n:j], nil
}
