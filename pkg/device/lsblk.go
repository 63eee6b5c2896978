package device

import (
	"encoding/json"
	"strconv"
	"strings"
)

// lsblkColumns are requested from lsblk for both disks and their partitions.
const lsblkColumns = "NAME,PATH,SIZE,TYPE,RM,MODEL,MOUNTPOINT,FSTYPE,TRAN"

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Size       flexUint      `json:"size"`
	Type       string        `json:"type"`
	RM         flexBool      `json:"rm"`
	Model      *string       `json:"model"`
	Mountpoint *string       `json:"mountpoint"`
	FSType     *string       `json:"fstype"`
	Tran       *string       `json:"tran"`
	Children   []lsblkDevice `json:"children"`
}

// Older util-linux releases print every column as a string; newer ones emit
// numbers and booleans.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexUint(v)
	return nil
}

type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(b), `"`) {
	case "1", "true":
		*f = true
	default:
		*f = false
	}
	return nil
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func parseLsblk(data string) ([]lsblkDevice, error) {
	var out lsblkOutput
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return out.BlockDevices, nil
}

func (d lsblkDevice) path() string {
	if d.Path != "" {
		return d.Path
	}
	return "/dev/" + d.Name
}
