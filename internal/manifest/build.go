package manifest

import "context"

// Build scans every root once and returns the resulting state without
// establishing any watches. Roots are validated as by New.
func Build(ctx context.Context, roots []RootConfig, opts *Options) (*State, error) {
	g, err := New(roots, opts)
	if err != nil {
		return nil, err
	}
	for i, root := range g.roots {
		entries, err := g.opts.Scan(ctx, root.FilePath, root.IsIgnored)
		if err != nil {
			return nil, &ScanError{Path: root.FilePath, Err: err}
		}
		if _, err := g.engines[i].applyEntries(entries); err != nil {
			return nil, err
		}
		g.logger.Printf("Scanned %s (%d files)", root, len(entries))
	}
	return g.state, nil
}
