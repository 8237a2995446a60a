package tokens

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

// FileSource reads a comma or newline separated credential list.
type FileSource struct {
	Path string
}

func (s FileSource) Load(_ context.Context) ([]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return splitList(string(data)), nil
}

func (s FileSource) Remove(ctx context.Context, values []string) (int, error) {
	creds, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	kept := filterOut(creds, values)
	removed := len(creds) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(kept, ",")), 0o600); err != nil {
		return 0, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return 0, fmt.Errorf("replace %s: %w", s.Path, err)
	}
	return removed, nil
}

// RedisSource keeps credentials in a redis list.
type RedisSource struct {
	Client redis.UniversalClient
	Key    string
}

func (s RedisSource) Load(ctx context.Context) ([]string, error) {
	vals, err := s.Client.LRange(ctx, s.Key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", s.Key, err)
	}
	return cleanList(vals), nil
}

func (s RedisSource) Remove(ctx context.Context, values []string) (int, error) {
	pipe := s.Client.TxPipeline()
	cmds := make([]*redis.IntCmd, 0, len(values))
	for _, v := range values {
		cmds = append(cmds, pipe.LRem(ctx, s.Key, 0, v))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis lrem %s: %w", s.Key, err)
	}
	removed := 0
	for _, c := range cmds {
		removed += int(c.Val())
	}
	return removed, nil
}

func splitList(s string) []string {
	return cleanList(strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	}))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func filterOut(creds, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, d := range drop {
		skip[strings.TrimSpace(d)] = struct{}{}
	}
	kept := creds[:0:0]
	for _, c := range creds {
		if _, ok := skip[c]; !ok {
			kept = append(kept, c)
		}
	}
	return kept
}
