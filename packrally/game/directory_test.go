package game

import (
	"context"
	"errors"
	"testing"

	"github.com/packrally/packrally/packrally/database/models"
	"github.com/packrally/packrally/packrally/store"
)

func TestDirectory_CreateRoom(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := NewDirectory(st)

	room, pin, err := d.CreateRoom(ctx, "ada", models.ModeClassic, "Rare", 5)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if len(pin) != 6 {
		t.Fatalf("pin = %q, want 6 digits", pin)
	}
	if room.Status != models.RoomWaiting {
		t.Fatalf("room status = %q, want waiting", room.Status)
	}

	players, _ := st.Query(ctx, models.CollectionPlayers, store.Query{
		Filter: store.Filter{"room_id": room.ID},
	})
	if len(players) != 1 {
		t.Fatalf("players after create = %d, want 1 (the host)", len(players))
	}
	host := models.PlayerFromRecord(players[0])
	if !host.IsHost || host.Nickname != "ada" {
		t.Fatalf("host row = %+v, want is_host ada", host)
	}
}

func TestDirectory_CreateRoomValidation(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(store.NewMemory())

	if _, _, err := d.CreateRoom(ctx, "  ", models.ModeClassic, "Rare", 5); !errors.Is(err, ErrBlankNickname) {
		t.Fatalf("blank host error = %v, want ErrBlankNickname", err)
	}
	if _, _, err := d.CreateRoom(ctx, "ada", models.ModeClassic, "Rare", 0); err == nil {
		t.Fatal("zero time limit: want error, got nil")
	}
}

func TestDirectory_JoinRoom(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := NewDirectory(st)

	room, pin, err := d.CreateRoom(ctx, "ada", models.ModeClassic, "Rare", 5)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	tests := []struct {
		name     string
		pin      string
		nickname string
		wantErr  error
	}{
		{name: "joins waiting room", pin: pin, nickname: "bob"},
		{name: "nickname taken", pin: pin, nickname: "ada", wantErr: ErrNicknameTaken},
		{name: "unknown pin", pin: "000000", nickname: "cid", wantErr: ErrRoomNotFound},
		{name: "blank nickname", pin: pin, nickname: " ", wantErr: ErrBlankNickname},
	}
	// The unknown-pin case assumes the generated pin is not 000000;
	// regenerate the room if it ever is.
	if pin == "000000" {
		t.Skip("generated pin collides with the sentinel")
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.JoinRoom(ctx, tt.pin, tt.nickname)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("JoinRoom() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got.ID != room.ID {
				t.Fatalf("JoinRoom() room = %q, want %q", got.ID, room.ID)
			}
		})
	}
}

func TestDirectory_JoinRoomStartedIsNotFound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := NewDirectory(st)

	room, pin, _ := d.CreateRoom(ctx, "ada", models.ModeClassic, "Rare", 5)
	if _, err := st.Update(ctx, models.CollectionRooms, room.ID, store.Record{
		"status": string(models.RoomPlaying),
	}); err != nil {
		t.Fatalf("start room: %v", err)
	}

	if _, err := d.JoinRoom(ctx, pin, "bob"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("JoinRoom() on started room error = %v, want ErrRoomNotFound", err)
	}
}

func TestDirectory_LeaveRoom(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := NewDirectory(st)

	room, pin, _ := d.CreateRoom(ctx, "ada", models.ModeClassic, "Rare", 5)
	if _, err := d.JoinRoom(ctx, pin, "bob"); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}

	if err := d.LeaveRoom(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("LeaveRoom() error = %v", err)
	}
	if err := d.LeaveRoom(ctx, room.ID, "bob"); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("second LeaveRoom() error = %v, want ErrNotInRoom", err)
	}

	players, _ := st.Query(ctx, models.CollectionPlayers, store.Query{
		Filter: store.Filter{"room_id": room.ID},
	})
	if len(players) != 1 {
		t.Fatalf("players after leave = %d, want 1", len(players))
	}
}
