// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor dispatches socket events to a fixed worker pool: a
// leader/follower readiness engine over epoll (Linux) or kqueue (BSD,
// Darwin), and a completion engine over IOCP (Windows). Handlers are only
// invoked after the socket's direction lock and a reference were taken.
package reactor
