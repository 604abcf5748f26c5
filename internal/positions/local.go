package positions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const localFilePrefix = "polyield_positions_"

// LocalBackend keeps one JSON document per owner under dir. It serves single
// process deployments where no database is configured.
type LocalBackend struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

func NewLocalBackend(dir string) (*LocalBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("local positions dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create positions dir %q: %w", dir, err)
	}
	return &LocalBackend{dir: dir, now: time.Now}, nil
}

func (b *LocalBackend) Close() error {
	return nil
}

func (b *LocalBackend) pathFor(owner string) string {
	return filepath.Join(b.dir, localFilePrefix+owner+".json")
}

func (b *LocalBackend) List(ctx context.Context, filter Filter) ([]MarketPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		items []MarketPosition
		err   error
	)
	if filter.Owner != "" {
		items, err = b.readOwner(filter.Owner)
	} else {
		items, err = b.readAll()
	}
	if err != nil {
		return nil, err
	}

	out := make([]MarketPosition, 0, len(items))
	for _, item := range items {
		if filter.MarketID != "" && item.MarketID != filter.MarketID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		out = append(out, item)
	}
	sortNewestFirst(out)
	return out, nil
}

func (b *LocalBackend) Create(ctx context.Context, params CreateParams) (MarketPosition, error) {
	if err := ctx.Err(); err != nil {
		return MarketPosition{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	items, err := b.readOwner(params.Owner)
	if err != nil {
		return MarketPosition{}, err
	}
	item := params.position(uuid.NewString(), b.now())
	items = append(items, item)
	if err := b.writeOwner(params.Owner, items); err != nil {
		return MarketPosition{}, err
	}
	return item, nil
}

func (b *LocalBackend) UpdateStatus(ctx context.Context, id string, status Status) (MarketPosition, error) {
	if err := ctx.Err(); err != nil {
		return MarketPosition{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	owner, items, idx, err := b.locate(id)
	if err != nil {
		return MarketPosition{}, err
	}
	current := items[idx]
	if !current.Status.CanTransitionTo(status) {
		return MarketPosition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}
	current.Status = status
	current.UpdatedAt = b.now().UTC()
	items[idx] = current
	if err := b.writeOwner(owner, items); err != nil {
		return MarketPosition{}, err
	}
	return current, nil
}

func (b *LocalBackend) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	owner, items, idx, err := b.locate(id)
	if err != nil {
		return err
	}
	items = append(items[:idx], items[idx+1:]...)
	return b.writeOwner(owner, items)
}

func (b *LocalBackend) locate(id string) (string, []MarketPosition, int, error) {
	paths, err := b.ownerFiles()
	if err != nil {
		return "", nil, 0, err
	}
	for _, path := range paths {
		items, err := readPositionsFile(path)
		if err != nil {
			return "", nil, 0, err
		}
		for i, item := range items {
			if item.ID == id {
				return item.Owner, items, i, nil
			}
		}
	}
	return "", nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (b *LocalBackend) readOwner(owner string) ([]MarketPosition, error) {
	return readPositionsFile(b.pathFor(owner))
}

func (b *LocalBackend) readAll() ([]MarketPosition, error) {
	paths, err := b.ownerFiles()
	if err != nil {
		return nil, err
	}
	var out []MarketPosition
	for _, path := range paths {
		items, err := readPositionsFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

func (b *LocalBackend) ownerFiles() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(b.dir, localFilePrefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan positions dir: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func readPositionsFile(path string) ([]MarketPosition, error) {
	body, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var items []MarketPosition
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}
	return items, nil
}

// writeOwner replaces the owner's document through a temp file and rename so
// a crash never leaves a truncated file behind.
func (b *LocalBackend) writeOwner(owner string, items []MarketPosition) error {
	if items == nil {
		items = []MarketPosition{}
	}
	body, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, localFilePrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp positions file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp positions file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp positions file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp positions file: %w", err)
	}
	if err := os.Rename(tmpPath, b.pathFor(owner)); err != nil {
		return fmt.Errorf("replace positions file: %w", err)
	}
	return nil
}

func sortNewestFirst(items []MarketPosition) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
