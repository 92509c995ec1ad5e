package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Expiry is the age after which a guard file is treated as abandoned by
// a crashed provisioner and removed.
const Expiry = 10 * time.Minute

// pollInterval is how often AwaitReady re-checks the guard file.
const pollInterval = 10 * time.Second

// Dir is the directory guard files live in
// ("/var/tmp/machine-provision-<uuid>"). A variable so tests can
// point it at a temp directory.
var Dir = "/var/tmp"

func path(uuid string) string {
	return filepath.Join(Dir, "machine-provision-"+uuid)
}

// CreateGuard creates an empty guard file for uuid, failing if one
// already exists and has not expired.
func CreateGuard(uuid string) error {
	p := path(uuid)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil && os.IsExist(err) {
		// Exists reaps an expired guard, freeing the path for one retry.
		present, xerr := Exists(uuid)
		if xerr != nil {
			return xerr
		}
		if !present {
			f, err = os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		}
	}
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("guard: provision already in progress for %s", uuid)
		}
		return fmt.Errorf("guard: create %s: %w", p, err)
	}
	return f.Close()
}

// Release removes uuid's guard file. Absence is not an error.
func Release(uuid string) error {
	if err := os.Remove(path(uuid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("guard: remove %s: %w", path(uuid), err)
	}
	return nil
}

// Exists reports whether uuid's guard file is present and not expired.
// An expired guard was left behind by a crashed provisioner; it is
// reaped here and reported absent.
func Exists(uuid string) (bool, error) {
	p := path(uuid)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("guard: stat %s: %w", p, err)
	}

	if time.Since(info.ModTime()) > Expiry {
		if rerr := os.Remove(p); rerr != nil && !os.IsNotExist(rerr) {
			return false, fmt.Errorf("guard: reap expired %s: %w", p, rerr)
		}
		return false, nil
	}
	return true, nil
}

// AwaitReady blocks, polling every 10s, until uuid's guard file is
// absent (or expired-and-reaped), or ctx is cancelled.
func AwaitReady(ctx context.Context, uuid string) error {
	present, err := Exists(uuid)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			present, err := Exists(uuid)
			if err != nil {
				return err
			}
			if !present {
				return nil
			}
		}
	}
}
