package netio_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dantte-lp/godoip/internal/doip"
)

func TestEndpointUnicast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := newTransport()

	a, err := tr.ListenUDP(ctx, loopback, false)
	if err != nil {
		t.Fatalf("ListenUDP a: %v", err)
	}
	defer a.Close()
	b, err := tr.ListenUDP(ctx, loopback, true)
	if err != nil {
		t.Fatalf("ListenUDP b: %v", err)
	}
	defer b.Close()

	frame := doip.AppendFrame(nil, doip.PayloadVehicleIdentificationRequest, nil)
	if err := b.WriteTo(ctx, frame, a.LocalAddr()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	dg, err := a.ReadFrom(readCtx)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if !bytes.Equal(dg.Data, frame) {
		t.Errorf("Data = % x, want % x", dg.Data, frame)
	}
	if dg.Remote != b.LocalAddr() {
		t.Errorf("Remote = %s, want %s", dg.Remote, b.LocalAddr())
	}
	if dg.Origin != doip.OriginUnicast {
		t.Errorf("Origin = %s, want unicast", dg.Origin)
	}
}

func TestEndpointReadCancel(t *testing.T) {
	t.Parallel()

	ep, err := newTransport().ListenUDP(context.Background(), loopback, false)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ep.ReadFrom(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadFrom err = %v, want DeadlineExceeded", err)
	}
}

func TestEndpointClosed(t *testing.T) {
	t.Parallel()

	ep, err := newTransport().ListenUDP(context.Background(), loopback, false)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ep.ReadFrom(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; !errors.Is(err, doip.ErrClosed) {
		t.Errorf("ReadFrom after Close err = %v, want ErrClosed", err)
	}
	if err := ep.WriteTo(context.Background(), []byte{0}, ep.LocalAddr()); !errors.Is(err, doip.ErrClosed) {
		t.Errorf("WriteTo after Close err = %v, want ErrClosed", err)
	}
}
