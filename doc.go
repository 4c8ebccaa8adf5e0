/*
crmoauthtokenserver

Summary:

CrmOauthTokenServer is an http relay managing OAuth2 tokens for a
location-scoped CRM. It acts as a sidecar for downstream automation
platforms: after a location's administrator completes the CRM consent
flow the relay exchanges the authorization code for tokens, keeps the
access token fresh by refreshing it just in time, and serves it as
json at the /token endpoint, keyed by location id.

Tokens are held per location in a volatile in-memory store; the CRM's
uninstall webhook removes a location's tokens. API endpoints are
protected by a shared api key presented as an X-API-Key header or
apiKey query parameter.

The crmoauthtokenserver/token package provides the token lifecycle
manager for direct use in a Go programme; the crmoauthtokenserver/store
package holds the store contract and its in-memory implementation.
*/

package main
