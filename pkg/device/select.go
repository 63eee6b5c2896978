package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/prompt"
	"github.com/clonestick/clonestick/pkg/status"
	"github.com/clonestick/clonestick/pkg/units"
)

// Selector runs the operator-driven device selection loop.
type Selector struct {
	Inventory   *Inventory
	Prompter    prompt.Prompter
	Reporter    *status.Reporter
	SkipConfirm bool
}

// Selection is the outcome of device selection.
type Selection struct {
	Device Device
	// Backup is the second partition found in backup-only mode.
	Backup Partition
}

// PrintTable writes the inventory as an aligned table.
func PrintTable(r *status.Reporter, devices []Device) {
	r.Printf("%-16s %-10s %-24s %s\n", "DEVICE", "SIZE", "MODEL", "TAGS")
	r.Println(strings.Repeat("-", 70))
	for _, d := range devices {
		model := d.Model
		if model == "" {
			model = "-"
		}
		r.Printf("%-16s %-10s %-24s %s\n", d.Path, units.HumanSize(d.Size), model, strings.Join(d.Tags(), ","))
	}
}

// SelectForSetup loops until the operator names a device that passes
// validation and confirms wiping it. preset skips the first prompt; when
// it fails validation the error is returned instead of re-prompting.
func (s *Selector) SelectForSetup(ctx context.Context, preset string) (Selection, error) {
	return s.loop(ctx, preset, func(name string) (Selection, error) {
		dev, err := s.Inventory.ValidateCandidate(ctx, name)
		if err != nil {
			return Selection{}, err
		}
		if dev.SystemDisk {
			s.Reporter.Always(status.Warning, fmt.Sprintf("%s looks like a system disk", dev.Path))
			if !s.SkipConfirm {
				ok, err := prompt.Confirm(ctx, s.Prompter, fmt.Sprintf("%s may hold your operating system. Really use it?", dev.Path))
				if err != nil {
					return Selection{}, err
				}
				if !ok {
					return Selection{}, errors.Validation(fmt.Sprintf("%s rejected as a likely system disk", dev.Path),
						"pick the removable USB device instead")
				}
			}
		}
		return Selection{Device: dev}, nil
	})
}

// SelectForBackup loops until the operator names a device with an existing
// two-partition layout.
func (s *Selector) SelectForBackup(ctx context.Context, preset string) (Selection, error) {
	return s.loop(ctx, preset, func(name string) (Selection, error) {
		dev, part, err := s.Inventory.DetectExistingLayout(ctx, name)
		if err != nil {
			return Selection{}, err
		}
		return Selection{Device: dev, Backup: part}, nil
	})
}

func (s *Selector) loop(ctx context.Context, preset string, validate func(string) (Selection, error)) (Selection, error) {
	if preset != "" {
		sel, err := validate(NormalizeName(preset))
		if err != nil {
			return Selection{}, err
		}
		return sel, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return Selection{}, errors.Cancelled("device selection interrupted", err)
		}

		devices, err := s.Inventory.List(ctx)
		if err != nil {
			return Selection{}, err
		}
		s.Reporter.Println("Available devices:")
		PrintTable(s.Reporter, devices)

		answer, err := s.Prompter.Ask(ctx, "Device to use (e.g. sdb): ")
		if err != nil {
			return Selection{}, err
		}
		name := NormalizeName(answer)
		if name == "" {
			s.Reporter.Always(status.Warning, "no device entered")
			continue
		}

		sel, err := validate(name)
		if err != nil {
			if errors.KindOf(err) == errors.KindCancelled {
				return Selection{}, err
			}
			s.Reporter.Error("%v", err)
			s.Reporter.Hint(errors.HintOf(err))
			continue
		}
		return sel, nil
	}
}

// ConfirmWipe asks for the final go-ahead before a destructive step.
func (s *Selector) ConfirmWipe(ctx context.Context, dev Device) error {
	if s.SkipConfirm {
		return nil
	}
	ok, err := prompt.Confirm(ctx, s.Prompter,
		fmt.Sprintf("ALL DATA on %s (%s, %s) will be erased. Continue?", dev.Path, units.HumanSize(dev.Size), dev.Model))
	if err != nil {
		return err
	}
	if !ok {
		return errors.Cancelled("operation cancelled by user", nil)
	}
	return nil
}
