/*
Package ldap implements an asynchronous LDAP client for authenticating users
against Active Directory.

# Architecture Overview

The package is layered:

  - FrameDecoder: splits the inbound byte stream into BER-encoded messages.
  - OperationTable: correlates responses with pending requests by message id.
  - Conn: one connection, its event loop, and the request primitives built on
    it (Bind, NTLMBind, GSSAPIBind, Search, WhoAmI, StartTLS, Unbind).
  - Client: server selection and failover, the service-account bind, and the
    user authentication flow that yields an authresult.AuthResult.

# Connection Model

Every Conn owns an eventloop.Loop. Table mutation and response dispatch run on
the loop, so handlers never race. Callers block on a Future, never on the loop.
When the transport fails every pending operation fails once with a
transport-lost error and the connection cannot be reused.

StartTLS requires an idle connection. While the server's answer is in flight
no other request can be sent, and the reader parks after that answer so the
TLS handshake starts on a clean stream.

# Server Discovery

Servers come from the configured hosts or from DNS SRV records for the domain
(_ldaps._tcp and _ldap._tcp). Discovered servers are ordered by priority and
weight per RFC 2782.

# Authentication Methods

  - plain: simple bind with the bind DN or service account name
  - ntlm2: NTLMv2 through the sicily bind Active Directory supports
  - sspi: SASL GSSAPI with Kerberos credentials from a ccache, keytab or password

# Error Handling

Connection-level failures are *failure.Error values. Non-success LDAP results
are *LDAPError values with a category and the server's diagnostic message.
*/
package ldap
