// Package etcdtest provides an etcd endpoint for tests. It uses the cluster
// listed in LATCH_TEST_ETCD_ENDPOINTS when set and otherwise starts an
// embedded single node server.
package etcdtest

import (
	"net"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

// EnvEndpoints names the variable holding comma separated endpoints.
const EnvEndpoints = "LATCH_TEST_ETCD_ENDPOINTS"

// Endpoints returns client endpoints valid for the lifetime of t.
func Endpoints(t testing.TB) []string {
	t.Helper()
	if env := os.Getenv(EnvEndpoints); env != "" {
		return strings.Split(env, ",")
	}

	clientURL := freeURL(t)
	peerURL := freeURL(t)
	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("start embedded etcd: %v", err)
	}
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case err := <-e.Err():
		t.Fatalf("embedded etcd: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("embedded etcd not ready")
	}
	return []string{clientURL.String()}
}

func freeURL(t testing.TB) url.URL {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return url.URL{Scheme: "http", Host: addr}
}
