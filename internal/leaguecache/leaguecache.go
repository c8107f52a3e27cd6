// Package leaguecache maps fantasy league data onto canonical cache keys and
// TTL classes. Every method is a pass-through to the tiered cache.
package leaguecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Aidin1998/leaguecore/internal/database/cache"
)

// TTL classes.
const (
	TTLLiveScores  = 15 * time.Second
	TTLDraftBoard  = 10 * time.Second
	TTLPlayerStats = 5 * time.Minute
	TTLStandings   = 5 * time.Minute
	TTLRoster      = 5 * time.Minute
	TTLRankings    = 30 * time.Minute
	TTLSession     = 30 * time.Minute
)

// ErrInvalidID is returned for identifiers that cannot appear in a key.
var ErrInvalidID = errors.New("leaguecache: invalid identifier")

// Store is the subset of the tiered cache the facade needs.
type Store interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	InvalidatePattern(ctx context.Context, pattern string) error
}

var _ Store = (*cache.Manager)(nil)

// Cache is the league data facade.
type Cache struct {
	store Store
}

func New(store Store) *Cache {
	return &Cache{store: store}
}

// id trims surrounding whitespace and rejects anything outside
// [A-Za-z0-9_.-], which keeps keys unambiguous and free of glob
// metacharacters. Case is significant: "aB3x" and "ab3x" are different ids.
func id(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" || len(s) > 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidID, raw)
		}
	}
	return s, nil
}

func number(name string, n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("%w: %s %d", ErrInvalidID, name, n)
	}
	return strconv.Itoa(n), nil
}

// key joins already validated parts.
func key(parts ...string) string {
	return strings.Join(parts, ":")
}

// PlayerStatsKey is player:stats:{player}:{season}:{week}.
func PlayerStatsKey(player string, season, week int) (string, error) {
	p, err := id(player)
	if err != nil {
		return "", err
	}
	s, err := number("season", season)
	if err != nil {
		return "", err
	}
	w, err := number("week", week)
	if err != nil {
		return "", err
	}
	return key("player", "stats", p, s, w), nil
}

// StandingsKey is league:{league}:standings:{season}.
func StandingsKey(league string, season int) (string, error) {
	l, err := id(league)
	if err != nil {
		return "", err
	}
	s, err := number("season", season)
	if err != nil {
		return "", err
	}
	return key("league", l, "standings", s), nil
}

// LiveScoresKey is league:{league}:scores:{season}:{week}.
func LiveScoresKey(league string, season, week int) (string, error) {
	l, err := id(league)
	if err != nil {
		return "", err
	}
	s, err := number("season", season)
	if err != nil {
		return "", err
	}
	w, err := number("week", week)
	if err != nil {
		return "", err
	}
	return key("league", l, "scores", s, w), nil
}

// RankingsKey is rankings:{position}:{season}:{week}.
func RankingsKey(position string, season, week int) (string, error) {
	p, err := id(position)
	if err != nil {
		return "", err
	}
	s, err := number("season", season)
	if err != nil {
		return "", err
	}
	w, err := number("week", week)
	if err != nil {
		return "", err
	}
	return key("rankings", p, s, w), nil
}

// DraftBoardKey is league:{league}:draft:{draft}.
func DraftBoardKey(league, draft string) (string, error) {
	l, err := id(league)
	if err != nil {
		return "", err
	}
	d, err := id(draft)
	if err != nil {
		return "", err
	}
	return key("league", l, "draft", d), nil
}

// SessionKey is session:{user}.
func SessionKey(user string) (string, error) {
	u, err := id(user)
	if err != nil {
		return "", err
	}
	return key("session", u), nil
}

// RosterKey is league:{league}:roster:{team}.
func RosterKey(league, team string) (string, error) {
	l, err := id(league)
	if err != nil {
		return "", err
	}
	t, err := id(team)
	if err != nil {
		return "", err
	}
	return key("league", l, "roster", t), nil
}

func (c *Cache) get(ctx context.Context, k string, err error, dest any) (bool, error) {
	if err != nil {
		return false, err
	}
	return c.store.Get(ctx, k, dest)
}

func (c *Cache) set(ctx context.Context, k string, err error, value any, ttl time.Duration) error {
	if err != nil {
		return err
	}
	return c.store.Set(ctx, k, value, ttl)
}

func (c *Cache) GetPlayerStats(ctx context.Context, player string, season, week int, dest any) (bool, error) {
	k, err := PlayerStatsKey(player, season, week)
	return c.get(ctx, k, err, dest)
}

func (c *Cache) SetPlayerStats(ctx context.Context, player string, season, week int, stats any) error {
	k, err := PlayerStatsKey(player, season, week)
	return c.set(ctx, k, err, stats, TTLPlayerStats)
}

func (c *Cache) GetStandings(ctx context.Context, league string, season int, dest any) (bool, error) {
	k, err := StandingsKey(league, season)
	return c.get(ctx, k, err, dest)
}

func (c *Cache) SetStandings(ctx context.Context, league string, season int, standings any) error {
	k, err := StandingsKey(league, season)
	return c.set(ctx, k, err, standings, TTLStandings)
}

func (c *Cache) GetLiveScores(ctx context.Context, league string, season, week int, dest any) (bool, error) {
	k, err := LiveScoresKey(league, season, week)
	return c.get(ctx, k, err, dest)
}

func (c *Cache) SetLiveScores(ctx context.Context, league string, season, week int, scores any) error {
	k, err := LiveScoresKey(league, season, week)
	return c.set(ctx, k, err, scores, TTLLiveScores)
}

func (c *Cache) GetRankings(ctx context.Context, position string, season, week int, dest any) (bool, error) {
	k, err := RankingsKey(position, season, week)
	return c.get(ctx, k, err, dest)
}

func (c *Cache) SetRankings(ctx context.Context, position string, season, week int, rankings any) error {
	k, err := RankingsKey(position, season, week)
	return c.set(ctx, k, err, rankings, TTLRankings)
}

func (c *Cache) GetDraftBoard(ctx context.Context, league, draft string, dest any) (bool, error) {
	k, err := DraftBoardKey(league, draft)
	return c.get(ctx, k, err, dest)
}

func (c *Cache) SetDraftBoard(ctx context.Context, league, draft string, board any) error {
	k, err := DraftBoardKey(league, draft)
	return c.set(ctx, k, err, board, TTLDraftBoard)
}

func (c *Cache) GetSession(ctx context.Context, user string, dest any) (bool, error) {
	k, err := SessionKey(user)
	return c.get(ctx, k, err, dest)
}

func (c *Cache) SetSession(ctx context.Context, user string, session any) error {
	k, err := SessionKey(user)
	return c.set(ctx, k, err, session, TTLSession)
}

func (c *Cache) GetRoster(ctx context.Context, league, team string, dest any) (bool, error) {
	k, err := RosterKey(league, team)
	return c.get(ctx, k, err, dest)
}

func (c *Cache) SetRoster(ctx context.Context, league, team string, roster any) error {
	k, err := RosterKey(league, team)
	return c.set(ctx, k, err, roster, TTLRoster)
}

// InvalidateLeague drops standings, scores, drafts and rosters of a league.
func (c *Cache) InvalidateLeague(ctx context.Context, league string) error {
	l, err := id(league)
	if err != nil {
		return err
	}
	return c.store.InvalidatePattern(ctx, key("league", l, "*"))
}

// InvalidatePlayer drops every cached stat line of a player.
func (c *Cache) InvalidatePlayer(ctx context.Context, player string) error {
	p, err := id(player)
	if err != nil {
		return err
	}
	return c.store.InvalidatePattern(ctx, key("player", "stats", p, "*"))
}

// InvalidateRankings drops rankings of every position and week in a season.
func (c *Cache) InvalidateRankings(ctx context.Context, season int) error {
	s, err := number("season", season)
	if err != nil {
		return err
	}
	return c.store.InvalidatePattern(ctx, key("rankings", "*", s, "*"))
}

func (c *Cache) InvalidateSession(ctx context.Context, user string) error {
	k, err := SessionKey(user)
	if err != nil {
		return err
	}
	return c.store.Del(ctx, k)
}
