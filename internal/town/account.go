package town

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/JustThePulp/TilemapTown/internal/protocol"
)

// LoginResult is the tri-state outcome of an identification attempt.
type LoginResult int

const (
	LoginOK LoginResult = iota
	LoginBadPassword
	LoginNoAccount
)

// FilterUsername normalises a username: letters, digits, and underscores
// only, lowercased. Applied before every lookup and registration so the same
// input always maps to the same account.
func FilterUsername(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func sha512Hex(password, salt string) string {
	sum := sha512.Sum512([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// VerifyPassword checks a candidate password against a stored hash. The
// sha512 algorithm accepts both "salt:hash" and legacy unsalted bare digests.
func VerifyPassword(password, algo, stored string) bool {
	switch algo {
	case "", "sha512":
		salt := ""
		hash := stored
		if i := strings.IndexByte(stored, ':'); i >= 0 {
			salt, hash = stored[:i], stored[i+1:]
		}
		candidate := sha512Hex(password, salt)
		return subtle.ConstantTimeCompare([]byte(candidate), []byte(hash)) == 1
	case "bcrypt":
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	default:
		return false
	}
}

// Login resolves an identification attempt. On success the session is
// hydrated from the account row, placed on its saved map at its saved
// position, announced there, and sent its inventory and any mail. Failures
// are reported to the client; the returned error is reserved for store
// faults, after which the session is left unhydrated.
func (s *Session) Login(ctx context.Context, username, password string) (LoginResult, error) {
	username = FilterUsername(username)

	acct, err := s.world.store.GetAccount(ctx, username)
	if errors.Is(err, ErrAccountNotFound) {
		s.SendError("Login fail, nonexistent account")
		return LoginNoAccount, nil
	}
	if err != nil {
		return LoginNoAccount, fmt.Errorf("loading account %q: %w", username, err)
	}
	if !VerifyPassword(password, acct.PassAlgo, acct.PassHash) {
		s.SendError("Login fail, bad password for account")
		return LoginBadPassword, nil
	}

	s.hydrate(acct)
	s.logger.Info("login",
		zap.String("username", s.Username),
		zap.Int64("account_id", s.DBID),
		zap.String("ip", s.IP),
	)

	// Accounts saved before ever being placed carry no map.
	mapID := acct.MapID
	if mapID < 0 {
		mapID = s.world.cfg.DefaultMap
	}
	s.SwitchMap(ctx, mapID, SwitchOpts{StayPut: true, SkipHistory: true})
	if s.Map != nil {
		s.Map.Broadcast(protocol.CodeMSG,
			protocol.Text{Text: fmt.Sprintf("%s has logged in (%s)", s.Name, s.Username)})
		s.Map.Broadcast(protocol.CodeWHO, map[string]any{"add": s.WhoEntry()}, WatchEntry)
	}

	if assets, err := s.world.store.AssetsByOwner(ctx, s.DBID); err != nil {
		s.logger.Error("loading inventory", zap.Error(err))
	} else {
		s.Send(protocol.CodeBAG, map[string]any{"list": assets})
	}
	if mail, err := s.world.store.MailFor(ctx, s.DBID); err != nil {
		s.logger.Error("loading mail", zap.Error(err))
	} else if len(mail) > 0 {
		s.Send(protocol.CodeEML, map[string]any{"list": mail})
	}

	return LoginOK, nil
}

// hydrate copies the account row into live session state. The saved position
// is adopted directly; SwitchMap is responsible for placement.
func (s *Session) hydrate(acct *Account) {
	s.DBID = acct.ID
	s.Username = acct.Username
	s.PassHash = acct.PassHash
	s.PassAlgo = acct.PassAlgo
	if acct.Name != "" {
		s.Name = acct.Name
	}
	if len(acct.Pic) > 0 {
		s.Pic = acct.Pic
	}
	s.MapID = acct.MapID
	s.X, s.Y = acct.X, acct.Y
	s.Home = acct.Home
	s.ClientSettings = acct.ClientSettings
	s.Watch = make(map[string]struct{}, len(acct.Watch))
	for _, u := range acct.Watch {
		s.Watch[u] = struct{}{}
	}
	s.Ignore = make(map[string]struct{}, len(acct.Ignore))
	for _, u := range acct.Ignore {
		s.Ignore[u] = struct{}{}
	}
	if acct.Tags != nil {
		s.Tags = acct.Tags
	}
}

// Register claims a username for this session and persists it with the given
// password. Returns ErrAccountExists when the name is taken; the session's
// live state is untouched in that case.
func (s *Session) Register(ctx context.Context, username, password string) error {
	username = FilterUsername(username)
	if username == "" {
		return errors.New("empty username")
	}
	_, err := s.world.store.FindIDByUsername(ctx, username)
	if err == nil {
		return ErrAccountExists
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("checking username %q: %w", username, err)
	}
	s.Username = username
	return s.ChangePassword(ctx, password)
}

// ChangePassword rehashes with a fresh random salt and saves the account.
func (s *Session) ChangePassword(ctx context.Context, password string) error {
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)
	s.PassHash = salt + ":" + sha512Hex(password, salt)
	s.PassAlgo = "sha512"
	return s.Save(ctx)
}

// Save persists the session's durable projection. A no-op for guests. The
// backing row is created on first save; s.DBID is set from it.
func (s *Session) Save(ctx context.Context) error {
	if s.Username == "" {
		return nil
	}
	acct := &Account{
		ID:             s.DBID,
		Username:       s.Username,
		PassHash:       s.PassHash,
		PassAlgo:       s.PassAlgo,
		Name:           s.Name,
		Pic:            s.Pic,
		MapID:          s.MapID,
		X:              s.X,
		Y:              s.Y,
		Home:           s.Home,
		Watch:          sortedKeys(s.Watch),
		Ignore:         sortedKeys(s.Ignore),
		ClientSettings: s.ClientSettings,
		Tags:           s.Tags,
		LastSeen:       time.Now().UTC(),
	}
	if err := s.world.store.SaveAccount(ctx, acct); err != nil {
		return fmt.Errorf("saving account %q: %w", s.Username, err)
	}
	s.DBID = acct.ID
	return nil
}

// sortedKeys flattens a set into a sorted slice so saved rows stay stable
// across saves.
func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
