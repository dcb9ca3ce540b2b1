package ldap

import (
	"context"
	"errors"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/authrelay/internal/eventloop"
	"github.com/isometry/authrelay/internal/failure"
)

// SearchResult collects a completed search.
type SearchResult struct {
	Entries   []*ldap.Entry
	Referrals []string
	Controls  []ldap.Control
}

// Search runs req and collects every entry and continuation reference. A
// non-success SearchResultDone is returned as an *LDAPError alongside the
// partial result. When ctx ends first the result is nil: the search stays
// outstanding and its late responses are consumed on the event loop.
func (c *Conn) Search(ctx context.Context, req *SearchRequest, controls []ldap.Control) (*SearchResult, error) {
	// Owned by the event loop until the stream completes.
	result := &SearchResult{}
	var done *SearchResultDone
	var unexpected Operation

	err := c.SendStream(ctx, req, controls, true, func(msg *Message, ctrls []ldap.Control) bool {
		switch op := msg.Op.(type) {
		case *SearchResultEntry:
			result.Entries = append(result.Entries, op.Entry)
			return false
		case *SearchResultReference:
			result.Referrals = append(result.Referrals, op.URIs...)
			return false
		case *SearchResultDone:
			done = op
			result.Controls = ctrls
			return true
		case *IntermediateResponse:
			return false
		default:
			unexpected = msg.Op
			return true
		}
	})
	if err != nil {
		return nil, err
	}

	if unexpected != nil {
		return result, failure.ProtocolFormat("search", "unexpected %s in search results", OperationName(unexpected))
	}

	return result, done.Err("search")
}

// SearchOne runs req and requires exactly one entry.
func (c *Conn) SearchOne(ctx context.Context, req *SearchRequest) (*ldap.Entry, error) {
	result, err := c.Search(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	switch len(result.Entries) {
	case 0:
		return nil, &LDAPError{
			Operation: "search",
			Category:  ErrorCategoryNotFound,
			LDAPCode:  ldap.LDAPResultNoSuchObject,
			Message:   "no entry matched " + req.Filter,
			DN:        req.BaseDN,
		}
	case 1:
		return result.Entries[0], nil
	default:
		return nil, &LDAPError{
			Operation: "search",
			Category:  ErrorCategoryValidation,
			Message:   "more than one entry matched " + req.Filter,
			DN:        req.BaseDN,
		}
	}
}

// WhoAmI returns the authorization identity of the connection (RFC 4532), such
// as "u:EXAMPLE\alice" or "dn:CN=alice,DC=example,DC=com".
func (c *Conn) WhoAmI(ctx context.Context) (string, error) {
	resp, err := c.SendRequest(ctx, &ExtendedRequest{Name: WhoAmIOID}, nil, false)
	if err != nil {
		return "", err
	}

	ext, ok := resp.Message.Op.(*ExtendedResponse)
	if !ok {
		return "", failure.ProtocolFormat("whoami", "unexpected %s in reply to whoami", OperationName(resp.Message.Op))
	}
	if err := ext.Err("whoami"); err != nil {
		return "", err
	}

	return strings.TrimSpace(string(ext.Value)), nil
}

// ErrAbandoned fails the pending entry of an operation dropped by Abandon.
var ErrAbandoned = errors.New("operation abandoned")

// Abandon asks the server to stop processing messageID and fails its pending
// entry with ErrAbandoned. Responses that still arrive for messageID are
// discarded.
func (c *Conn) Abandon(ctx context.Context, messageID int64) error {
	if err := c.SendNoResponse(ctx, &AbandonRequest{MessageID: messageID}, nil); err != nil {
		return err
	}

	err := c.loop.Do(context.Background(), func() {
		if c.table.Remove(messageID, ErrAbandoned) {
			c.abandoned[messageID] = struct{}{}
		}
	})
	if errors.Is(err, eventloop.ErrStopped) {
		// Teardown already failed every pending entry.
		return nil
	}
	return err
}

// Unbind sends an unbind request and closes the connection.
func (c *Conn) Unbind(ctx context.Context) error {
	err := c.SendNoResponse(ctx, &UnbindRequest{}, nil)
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	return err
}
