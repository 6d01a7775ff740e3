package object

import (
	"testing"
	"time"

	"github.com/aejsmith/kiwi-sub009/kernel"
	"github.com/aejsmith/kiwi-sub009/kernel/ksync"
)

func TestUserSemaphoreDownUp(t *testing.T) {
	sem := NewUserSemaphore(1)

	if exp, got := 1, sem.Count(); got != exp {
		t.Fatalf("expected an initial count of %d; got %d", exp, got)
	}

	if err := sem.Down(0); err != nil {
		t.Fatalf("Down: %v", err)
	}

	if err := sem.Down(0); err != ksync.ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock on an empty semaphore; got %v", err)
	}

	downDone := make(chan *kernel.Error, 1)
	go func() {
		downDone <- sem.Down(time.Second)
	}()

	select {
	case <-downDone:
		t.Fatal("expected Down to block until a unit is posted")
	case <-time.After(20 * time.Millisecond):
	}

	sem.Up(1)

	select {
	case err := <-downDone:
		if err != nil {
			t.Fatalf("Down: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Up to release the blocked Down")
	}
}

func TestUserSemaphoreAvailableEvent(t *testing.T) {
	table := NewTable(8)
	sem := NewUserSemaphore(0)

	id, err := table.Create(sem)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err = table.Wait(id, EventSemaphoreAvailable, 0); err != ksync.ErrWouldBlock {
		t.Fatalf("expected no availability on an empty semaphore; got %v", err)
	}

	sem.Up(1)

	// A unit is available, so the event is signalled at registration.
	if err = table.Wait(id, EventSemaphoreAvailable, 0); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if err = sem.Down(0); err != nil {
		t.Fatalf("Down: %v", err)
	}

	if err = table.Wait(id, EventSemaphoreAvailable, 0); err != ksync.ErrWouldBlock {
		t.Fatalf("expected the consumed unit to clear availability; got %v", err)
	}
}

func TestUserSemaphoreUpWakesEventWaiter(t *testing.T) {
	table := NewTable(8)
	sem := NewUserSemaphore(0)

	id, err := table.Create(sem)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitDone := make(chan *kernel.Error, 1)
	go func() {
		waitDone <- table.Wait(id, EventSemaphoreAvailable, time.Second)
	}()

	select {
	case <-waitDone:
		t.Fatal("expected the wait to block on an empty semaphore")
	case <-time.After(20 * time.Millisecond):
	}

	sem.Up(1)

	select {
	case werr := <-waitDone:
		if werr != nil {
			t.Fatalf("Wait: %v", werr)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Up to signal the availability event")
	}
}

func TestUserSemaphoreLeftoverUnitsOnly(t *testing.T) {
	table := NewTable(8)
	sem := NewUserSemaphore(0)

	id, err := table.Create(sem)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	downDone := make(chan *kernel.Error, 1)
	go func() {
		downDone <- sem.Down(time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	sem.Up(1)

	if err = <-downDone; err != nil {
		t.Fatalf("Down: %v", err)
	}

	// The blocked taker consumed the unit, so availability never became
	// observable.
	if err = table.Wait(id, EventSemaphoreAvailable, 0); err != ksync.ErrWouldBlock {
		t.Fatalf("expected no availability after the unit went to a blocked taker; got %v", err)
	}

	sem.Up(1)

	if err = table.Wait(id, EventSemaphoreAvailable, 0); err != nil {
		t.Fatalf("expected the leftover unit to signal availability; got %v", err)
	}
}

func TestUserSemaphoreInvalidEvent(t *testing.T) {
	table := NewTable(8)

	id, err := table.Create(NewUserSemaphore(0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err = table.Wait(id, Event(7), 0); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent; got %v", err)
	}
}
