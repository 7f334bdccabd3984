package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JustThePulp/TilemapTown/internal/town"
)

// MailFor returns every mail item addressed to the account, with sender and
// recipient ids resolved to usernames. A recipient whose account has since
// been deleted is dropped from the list rather than failing the load.
func (s *Store) MailFor(ctx context.Context, recipient int64) ([]town.Mail, error) {
	query := `
		SELECT m.id, COALESCE(su.username, ''), m.recipients, m.subject, m.contents, m.flags
		FROM mail m
		LEFT JOIN users su ON su.uid = m.sender
		WHERE m.uid = $1
		ORDER BY m.id`

	rows, err := s.db.Query(ctx, query, recipient)
	if err != nil {
		return nil, fmt.Errorf("querying mail: %w", err)
	}
	defer rows.Close()

	type rawMail struct {
		mail       town.Mail
		recipients string
	}
	var raw []rawMail
	for rows.Next() {
		var r rawMail
		if err := rows.Scan(&r.mail.ID, &r.mail.From, &r.recipients,
			&r.mail.Subject, &r.mail.Contents, &r.mail.Flags); err != nil {
			return nil, fmt.Errorf("scanning mail: %w", err)
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mail: %w", err)
	}

	out := make([]town.Mail, 0, len(raw))
	for _, r := range raw {
		to, err := s.resolveRecipients(ctx, r.recipients)
		if err != nil {
			return nil, err
		}
		r.mail.To = to
		out = append(out, r.mail)
	}
	return out, nil
}

// resolveRecipients turns a comma-separated id list into usernames.
func (s *Store) resolveRecipients(ctx context.Context, list string) ([]string, error) {
	var out []string
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		username, err := s.UsernameByID(ctx, id)
		if errors.Is(err, town.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, username)
	}
	return out, nil
}
