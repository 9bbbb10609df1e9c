// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness facility used by event loops: a
// level-triggered epoll poller with a built-in eventfd wakeup channel.
package reactor
