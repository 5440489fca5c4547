/*
Copyright © 2021 the WRFtamer authors.
This file is part of WRFtamer.

WRFtamer is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

WRFtamer is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with WRFtamer.  If not, see <http://www.gnu.org/licenses/>.
*/

package wrftamer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Archive moves an experiment from the run directory to the archive
// directory. The WPS directory and the links to the executables are
// removed first. If a bucket is configured, the archived experiment is
// also uploaded to it.
func (t *Tamer) Archive(ctx context.Context, project, name string) error {
	e, err := t.GetExperiment(ctx, project, name)
	if err != nil {
		return err
	}
	if err := t.checkTransition(OpArchive, e); err != nil {
		return err
	}
	src := t.Paths.ActiveExperimentDir(project, name)
	dst := t.Paths.ArchivedExperimentDir(project, name)
	if !exists(src) {
		return fmt.Errorf("wrftamer: archiving %s: directory %s: %w", name, src, ErrNotFound)
	}
	if exists(dst) {
		return fmt.Errorf("wrftamer: archiving %s: directory %s: %w", name, dst, ErrExists)
	}
	if err := strip(src); err != nil {
		return fmt.Errorf("wrftamer: archiving %s: %w", name, err)
	}

	err = t.withFiles(ctx, func(s Store, undo func(func() error)) error {
		if err := moveDir(src, dst); err != nil {
			return err
		}
		undo(func() error { return moveDir(dst, src) })
		du, err := diskUse(dst)
		if err != nil {
			return err
		}
		e.DiskUse = du
		return t.setStatus(ctx, s, e, StatusArchived)
	})
	if err != nil {
		return fmt.Errorf("wrftamer: archiving %s: %w", name, err)
	}

	if t.Bucket != nil {
		n, err := t.Bucket.Upload(ctx, projectDir(project), name, dst)
		if err != nil {
			return fmt.Errorf("wrftamer: uploading %s: %w", name, err)
		}
		t.log(e).Infof("uploaded %d files", n)
	}
	return nil
}

// strip removes the parts of an experiment directory that are not
// archived: wps/ and the symbolic links in wrf/.
func strip(dir string) error {
	if err := os.RemoveAll(filepath.Join(dir, WPSDir)); err != nil {
		return err
	}
	wrf := filepath.Join(dir, WRFDir)
	entries, err := os.ReadDir(wrf)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	for _, d := range entries {
		if d.Type()&os.ModeSymlink != 0 {
			if err := os.Remove(filepath.Join(wrf, d.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
