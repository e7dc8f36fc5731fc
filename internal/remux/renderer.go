package remux

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DirectoryRenderer copies each asset into Dir, named by segment index, so
// the session can be inspected or played back with an external player.
type DirectoryRenderer struct {
	Dir string
}

func (r *DirectoryRenderer) Render(ctx context.Context, asset Asset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(r.Dir, fmt.Sprintf("segment_%05d%s", asset.Index, filepath.Ext(asset.Path)))
	return copyFile(asset.Path, target)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
