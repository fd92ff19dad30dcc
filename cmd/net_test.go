package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuessIpAddress24(t *testing.T) {
	addr := net.IP{192, 168, 0, 1}
	actual, err := guessIpAddress(addr, "42")
	if err != nil {
		t.Fatal(err)
	}
	expected := net.IP{192, 168, 0, 42}
	if !actual.Equal(expected) {
		t.Fatalf("expected %v, actual %v", expected, actual)
	}
}

func TestGuessIpAddress16(t *testing.T) {
	addr := net.IP{192, 168, 0, 1}
	actual, err := guessIpAddress(addr, "15.42")
	if err != nil {
		t.Fatal(err)
	}
	expected := net.IP{192, 168, 15, 42}
	if !actual.Equal(expected) {
		t.Fatalf("expected %v, actual %v", expected, actual)
	}
}

func TestGuessIpAddress32(t *testing.T) {
	addr := net.IP{192, 168, 0, 1}
	actual, err := guessIpAddress(addr, "")
	if err != nil {
		t.Fatal(err)
	}
	if !actual.Equal(addr) {
		t.Fatalf("expected %v, actual %v", addr, actual)
	}
}

func TestGuessIpAddressTooLong(t *testing.T) {
	_, err := guessIpAddress(net.IP{192, 168, 0, 1}, "1.2.3.4.5")
	assert.Error(t, err)
}

func TestResolvePeers(t *testing.T) {
	addresses, err := resolvePeers([]string{"10.0.0.5:9000", "7", "0.8:9001", "example.org", "10.1.2.3:1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{
		0: "10.0.0.5:9000",
		1: "10.0.0.7:7070",
		2: "10.0.0.8:9001",
		3: "example.org:7070",
		4: "10.1.2.3:1",
	}, addresses)
}

func TestResolvePeersHostnameBase(t *testing.T) {
	addresses, err := resolvePeers([]string{"localhost:1", "42:2"}, 0)
	require.NoError(t, err)
	// nothing to complete the partial address from
	assert.Equal(t, "42:2", addresses[1])
}

func TestResolvePeersErrors(t *testing.T) {
	_, err := resolvePeers([]string{"a:1"}, 1)
	assert.Error(t, err)
	_, err = resolvePeers([]string{"10.0.0.1:1", "300:1"}, 0)
	assert.Error(t, err)
}

func TestSubnetOfListener(t *testing.T) {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{
		IP:   net.ParseIP("127.0.0.1"),
		Port: 0,
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	ipnet, err := subnetOfListener(l)
	if err != nil {
		t.Fatalf("SubnetOfListener error: %v", err)
	}
	t.Logf("listener local addr: %v, subnet: %s", l.Addr(), ipnet.String())

	if !ipnet.Contains(net.ParseIP("127.0.0.1")) {
		t.Fatalf("expected subnet %s to contain 127.0.0.1", ipnet.String())
	}
}

func TestJoinPeers(t *testing.T) {
	assert.Equal(t, "a:1,b:2,c:3", joinPeers(map[int]string{2: "c:3", 0: "a:1", 1: "b:2"}))
}
