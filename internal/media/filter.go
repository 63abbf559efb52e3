package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// FilterName identifies an entry in the filter catalog.
type FilterName string

const (
	FilterNone      FilterName = "none"
	FilterVintage   FilterName = "vintage"
	FilterBright    FilterName = "bright"
	FilterNoir      FilterName = "noir"
	FilterWarm      FilterName = "warm"
	FilterCool      FilterName = "cool"
	FilterQuebecois FilterName = "quebecois"
)

// Filter is a fixed ffmpeg video filter chain.
type Filter struct {
	Name  FilterName
	Chain []string
}

func (f Filter) graph() string { return strings.Join(f.Chain, ",") }

var catalog = map[FilterName]Filter{
	FilterVintage: {Name: FilterVintage, Chain: []string{
		"colorchannelmixer=.393:.769:.189:0:.349:.686:.168:0:.272:.534:.131",
		"vignette",
	}},
	FilterBright:    {Name: FilterBright, Chain: []string{"eq=brightness=0.06:saturation=1.5"}},
	FilterNoir:      {Name: FilterNoir, Chain: []string{"hue=s=0", "eq=contrast=1.5"}},
	FilterWarm:      {Name: FilterWarm, Chain: []string{"colorbalance=rs=.3"}},
	FilterCool:      {Name: FilterCool, Chain: []string{"colorbalance=bs=.3"}},
	FilterQuebecois: {Name: FilterQuebecois, Chain: []string{"colorbalance=bs=.4:gs=.1"}},
}

func normalizeFilter(name string) FilterName {
	return FilterName(strings.ToLower(strings.TrimSpace(name)))
}

// LookupFilter resolves a requested name. Matching ignores case and surrounding space.
func LookupFilter(name string) (Filter, bool) {
	f, ok := catalog[normalizeFilter(name)]
	return f, ok
}

// FilterNames lists the catalog in a stable order.
func FilterNames() []FilterName {
	return []FilterName{FilterVintage, FilterBright, FilterNoir, FilterWarm, FilterCool, FilterQuebecois}
}

// ApplyFilter writes in through the named filter to out. "none", the empty
// name and names outside the catalog copy in to out unchanged.
func (e *Engine) ApplyFilter(ctx context.Context, in, out, name string) error {
	if n := normalizeFilter(name); n == "" || n == FilterNone {
		return copyFile(in, out)
	}
	f, ok := LookupFilter(name)
	if !ok {
		e.logger.Warn("unknown filter, passing video through unchanged", zap.String("filter", name))
		return copyFile(in, out)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-y",
		"-i", in,
		"-vf", f.graph(),
		"-c:v", "libx264",
		"-preset", e.opts.Preset,
		"-b:v", High.Bitrate,
		"-c:a", "copy",
		"-movflags", "+faststart",
		out,
	}
	if _, err := e.runner.Run(ctx, e.opts.FFmpegPath, args...); err != nil {
		return toolError(ErrFilter, in, fmt.Errorf("%s: %w", f.Name, err))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return toolError(ErrFilter, src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return toolError(ErrFilter, dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return toolError(ErrFilter, dst, err)
	}
	if err := out.Close(); err != nil {
		return toolError(ErrFilter, dst, err)
	}
	return nil
}
