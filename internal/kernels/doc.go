/*
Package kernels is the client side of the compute-session API.

# Overview

A compute server exposes session kinds, a session collection, and one
websocket channel per session. This package derives validated connections
from raw server URLs, speaks the REST surface through a retrying client
with a per-server circuit breaker, and opens message channels.

# Connection Derivation

Derive normalizes the server's base URL and pairs it with the access token.
Websocket endpoints mirror the HTTP scheme (http to ws, https to wss),
except that localhost hosts always get plain ws: local proxies terminate
TLS before the socket.

# Liveness

GetSession doubles as the heartbeat probe: a reply (even a 404) proves the
server is up, while ErrSessionNotFound tells the caller the session itself
is gone and needs replacing. Transport failures and 404s are deliberately
treated alike by callers deciding whether to reprovision.
*/
package kernels
