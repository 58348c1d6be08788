package diskguard

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const dayLayout = "20060102"

// Unit is one calendar day of data, possibly spread across several roots.
type Unit struct {
	Day   string   `json:"day" yaml:"day"`
	Paths []string `json:"paths" yaml:"paths"`
}

// Units lists dated YYYYMMDD folders under roots, oldest first. Folders
// sharing a date form one unit. Missing roots are skipped.
func Units(roots ...string) ([]Unit, error) {
	byDay := map[string]*Unit{}
	for _, root := range roots {
		if root == "" {
			continue
		}
		entries, err := os.ReadDir(root)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() || len(e.Name()) != len(dayLayout) {
				continue
			}
			if _, err := time.Parse(dayLayout, e.Name()); err != nil {
				continue
			}
			u := byDay[e.Name()]
			if u == nil {
				u = &Unit{Day: e.Name()}
				byDay[e.Name()] = u
			}
			u.Paths = append(u.Paths, filepath.Join(root, e.Name()))
		}
	}
	out := make([]Unit, 0, len(byDay))
	for _, u := range byDay {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

// Protected returns the n most recent days ending at now (today, yesterday, ...).
func Protected(now time.Time, n int) map[string]bool {
	p := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		p[now.AddDate(0, 0, -i).Format(dayLayout)] = true
	}
	return p
}

// DirSize sums regular file sizes below path.
func DirSize(path string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += uint64(info.Size())
			}
		}
		return nil
	})
	return total, err
}
