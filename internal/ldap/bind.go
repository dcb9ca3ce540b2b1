package ldap

import (
	"bytes"
	"context"

	"github.com/Azure/go-ntlmssp"
	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/authrelay/internal/failure"
)

// ntlmSignature prefixes every NTLMSSP message. Active Directory returns the
// challenge in the matchedDN of the first sicily bind response.
const ntlmSignature = "NTLMSSP"

// saslGSSAPI is the SASL mechanism name for Kerberos binds.
const saslGSSAPI = "GSSAPI"

// maxSASLRounds bounds a GSSAPI exchange against a server that never finishes.
const maxSASLRounds = 10

// Bind performs a simple bind. An empty password with a non-empty DN would be
// an unauthenticated bind and is refused locally.
func (c *Conn) Bind(ctx context.Context, dn, password string) error {
	if dn != "" && password == "" {
		return failure.Precondition("bind", "empty password not allowed")
	}

	resp, err := c.bind(ctx, "bind", &BindRequest{Name: dn, Simple: password})
	if err != nil {
		return err
	}
	return resp.Err("bind")
}

// NTLMBind authenticates with NTLMv2 using the sicily bind Active Directory
// supports. username may carry its own domain (DOMAIN\user or user@domain).
func (c *Conn) NTLMBind(ctx context.Context, domain, workstation, username, password string) error {
	if password == "" {
		return failure.Precondition("ntlm bind", "empty password not allowed")
	}

	return c.ntlmBind(ctx, domain, workstation, func(challenge []byte) ([]byte, error) {
		_, _, domainNeeded := ntlmssp.GetDomain(username)
		return ntlmssp.ProcessChallenge(challenge, username, password, domainNeeded)
	})
}

// NTLMBindWithHash is NTLMBind with the hex NT hash in place of the password.
func (c *Conn) NTLMBindWithHash(ctx context.Context, domain, workstation, username, hash string) error {
	if hash == "" {
		return failure.Precondition("ntlm bind", "empty hash not allowed")
	}

	return c.ntlmBind(ctx, domain, workstation, func(challenge []byte) ([]byte, error) {
		return ntlmssp.ProcessChallengeWithHash(challenge, username, hash)
	})
}

func (c *Conn) ntlmBind(ctx context.Context, domain, workstation string, authenticate func([]byte) ([]byte, error)) error {
	const op = "ntlm bind"

	negotiate, err := ntlmssp.NewNegotiateMessage(domain, workstation)
	if err != nil {
		return failure.Precondition(op, "cannot build negotiate message: %v", err)
	}

	resp, err := c.bind(ctx, op, &BindRequest{
		Sicily: &SicilyToken{Tag: sicilyNegotiateTag, Token: negotiate},
	})
	if err != nil {
		return err
	}
	if err := resp.Err(op); err != nil {
		return err
	}

	challenge := []byte(resp.MatchedDN)
	if !bytes.HasPrefix(challenge, []byte(ntlmSignature)) {
		return failure.ProtocolFormat(op, "server did not return an NTLM challenge")
	}

	token, err := authenticate(challenge)
	if err != nil {
		return failure.ProtocolFormat(op, "cannot process NTLM challenge: %v", err)
	}

	resp, err = c.bind(ctx, op, &BindRequest{
		Sicily: &SicilyToken{Tag: sicilyResponseTag, Token: token},
	})
	if err != nil {
		return err
	}
	return resp.Err(op)
}

// GSSAPIBind runs a SASL GSSAPI exchange using client, which must already hold
// Kerberos credentials. authzid may be empty.
func (c *Conn) GSSAPIBind(ctx context.Context, client ldap.GSSAPIClient, spn, authzid string) error {
	const op = "gssapi bind"

	var (
		recv     []byte
		token    []byte
		err      error
		needInit = true
	)

	for range maxSASLRounds {
		if needInit {
			token, needInit, err = client.InitSecContextWithOptions(spn, recv, []int{})
		} else {
			token, err = client.NegotiateSaslAuth(recv, authzid)
		}
		if err != nil {
			return NewLDAPError(op, err)
		}

		resp, err := c.bind(ctx, op, &BindRequest{
			SASL: &SASLCredentials{Mechanism: saslGSSAPI, Credentials: token},
		})
		if err != nil {
			return err
		}

		switch resp.Code {
		case ldap.LDAPResultSuccess:
			return nil
		case ldap.LDAPResultSaslBindInProgress:
			recv = resp.ServerSASLCreds
		default:
			return resp.Err(op)
		}
	}

	return failure.ProtocolFormat(op, "SASL exchange did not complete after %d rounds", maxSASLRounds)
}

func (c *Conn) bind(ctx context.Context, op string, req *BindRequest) (*BindResponse, error) {
	resp, err := c.SendRequest(ctx, req, nil, false)
	if err != nil {
		return nil, err
	}

	br, ok := resp.Message.Op.(*BindResponse)
	if !ok {
		return nil, failure.ProtocolFormat(op, "unexpected %s in reply to bind", OperationName(resp.Message.Op))
	}
	return br, nil
}
