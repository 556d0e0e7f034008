package transport

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// enumerate lists candidate serial devices when the CLI was not given
// an explicit --port, in the same first-match-open spirit as
// driver/mjolnir's Open: try a short list of plausible device names
// and let Open's caller take the first one that opens successfully.
func enumerate() ([]string, error) {
	switch runtime.GOOS {
	case "windows":
		var ports []string
		for i := 1; i <= 16; i++ {
			ports = append(ports, fmt.Sprintf("COM%d", i))
		}
		return ports, nil
	case "darwin":
		return filepath.Glob("/dev/cu.*")
	default:
		matches, err := filepath.Glob("/dev/ttyUSB*")
		if err != nil {
			return nil, err
		}
		more, err := filepath.Glob("/dev/ttyACM*")
		if err != nil {
			return nil, err
		}
		return append(matches, more...), nil
	}
}
