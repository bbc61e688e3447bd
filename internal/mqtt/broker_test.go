package mqtt

import (
	"net"
	"sync"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"
)

// fakeBroker speaks just enough MQTT 3.1.1 to accept a connection and
// acknowledge publishes.
type fakeBroker struct {
	listener   net.Listener
	returnCode byte
	published  chan *packets.PublishPacket
	wg         sync.WaitGroup
	mu         sync.Mutex
	conns      []net.Conn
}

func startFakeBroker(t *testing.T, returnCode byte) *fakeBroker {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &fakeBroker{
		listener:   l,
		returnCode: returnCode,
		published:  make(chan *packets.PublishPacket, 16),
	}
	b.wg.Go(b.accept)
	t.Cleanup(b.close)
	return b
}

func (b *fakeBroker) URL() string {
	return "tcp://" + b.listener.Addr().String()
}

func (b *fakeBroker) accept() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		b.wg.Go(func() { b.serve(conn) })
	}
}

func (b *fakeBroker) serve(conn net.Conn) {
	defer conn.Close()
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		switch p := cp.(type) {
		case *packets.ConnectPacket:
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = b.returnCode
			if err := ack.Write(conn); err != nil || b.returnCode != packets.Accepted {
				return
			}
		case *packets.PublishPacket:
			b.published <- p
			if p.Qos == 1 {
				ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
				ack.MessageID = p.MessageID
				if err := ack.Write(conn); err != nil {
					return
				}
			}
		case *packets.PingreqPacket:
			if err := packets.NewControlPacket(packets.Pingresp).Write(conn); err != nil {
				return
			}
		case *packets.DisconnectPacket:
			return
		}
	}
}

func (b *fakeBroker) close() {
	_ = b.listener.Close()
	b.mu.Lock()
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}
