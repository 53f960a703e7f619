package websocket

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sync"

	"drawsync/transport"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/engine.io/v2/utils"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

type ackInvoker func(err error, payload map[string]any)

// sioPeer attaches a Socket.IO client to the hub. Frames travel as
// "client-broadcast" events carrying the frame bytes and {"type": ...}.
type sioPeer struct {
	socket *socketio.Socket
}

func (p *sioPeer) ID() string {
	return string(p.socket.Id())
}

func (p *sioPeer) Transport() string {
	return "socketio"
}

func (p *sioPeer) Send(f transport.Frame) bool {
	return p.socket.Emit("client-broadcast", f.Data, map[string]any{"type": f.Type}) == nil
}

// SetupSocketIO serves the Socket.IO flavour of the relay. Broadcasts whose
// metadata names a frame type are applied to the room's document through the
// hub; anything else is relayed verbatim to the other sockets in the room.
func SetupSocketIO(hub *Hub) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(maxFrameSize)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	opts.SetCors(&types.Cors{
		Origin: []any{
			"tauri://localhost",
			localhostOrigin,
		},
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		me := socket.Id()
		myRoom := socketio.Room(me)
		peer := &sioPeer{socket: socket}
		_ = srv.To(myRoom).Emit("init-room")
		utils.Log().Printf("init room %v\n", myRoom)

		var (
			mu     sync.Mutex
			joined = make(map[string]*Room)
		)
		roomOf := func(roomID string) *Room {
			mu.Lock()
			defer mu.Unlock()
			return joined[roomID]
		}

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("join-room", func(datas ...any) {
			ack, args := extractAck(datas)
			if len(args) == 0 {
				err := fmt.Errorf("room id is required")
				respondWithAck(socket, ack, "join-room-ack", map[string]any{
					"status": "error",
					"error":  err.Error(),
				}, err)
				return
			}

			roomID, ok := args[0].(string)
			if !ok || roomID == "" {
				err := fmt.Errorf("invalid room id")
				respondWithAck(socket, ack, "join-room-ack", map[string]any{
					"status": "error",
					"error":  err.Error(),
				}, err)
				return
			}

			if roomOf(roomID) == nil {
				room, err := hub.Join(context.Background(), roomID, peer)
				if err != nil {
					respondWithAck(socket, ack, "join-room-ack", map[string]any{
						"status": "error",
						"error":  err.Error(),
					}, err)
					return
				}
				mu.Lock()
				joined[roomID] = room
				mu.Unlock()
			}

			room := socketio.Room(roomID)
			socket.Join(room)
			utils.Log().Printf("Socket %v has joined %v\n", me, room)

			srv.In(room).FetchSockets()(func(users []*socketio.RemoteSocket, fetchErr error) {
				if fetchErr != nil {
					respondWithAck(socket, ack, "join-room-ack", map[string]any{
						"status": "error",
						"error":  fetchErr.Error(),
					}, fetchErr)
					return
				}

				if len(users) <= 1 {
					_ = srv.To(myRoom).Emit("first-in-room")
				} else {
					utils.Log().Printf("emit new user %v in room %v\n", me, room)
					_ = socket.Broadcast().To(room).Emit("new-user", me)
				}

				newRoomUsers := make([]socketio.SocketId, 0, len(users))
				for _, user := range users {
					newRoomUsers = append(newRoomUsers, user.Id())
				}
				srv.In(room).Emit("room-user-change", newRoomUsers)

				respondWithAck(socket, ack, "join-room-ack", map[string]any{
					"status":     "ok",
					"user_count": len(users),
				}, nil)
			})
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("server-broadcast", func(datas ...any) {
			handleBroadcast(socket, peer, roomOf, datas, false)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("server-volatile-broadcast", func(datas ...any) {
			handleBroadcast(socket, peer, roomOf, datas, true)
		})

		socket.On("disconnecting", func(datas ...any) {
			mu.Lock()
			rooms := joined
			joined = make(map[string]*Room)
			mu.Unlock()
			for _, r := range rooms {
				r.Leave(peer)
			}

			for _, currentRoom := range socket.Rooms().Keys() {
				if currentRoom == myRoom {
					continue
				}
				srv.In(currentRoom).FetchSockets()(func(users []*socketio.RemoteSocket, _ error) {
					utils.Log().Printf("disconnecting %v from room %v\n", me, currentRoom)

					otherClients := make([]socketio.SocketId, 0, len(users))
					for _, userInRoom := range users {
						if userInRoom.Id() != me {
							otherClients = append(otherClients, userInRoom.Id())
						}
					}
					if len(otherClients) > 0 {
						srv.In(currentRoom).Emit("room-user-change", otherClients)
					}
				})
			}
		})

		socket.On("disconnect", func(datas ...any) {
			socket.RemoveAllListeners("")
			socket.Disconnect(true)
		})
	})

	return srv
}

func handleBroadcast(socket *socketio.Socket, peer Peer, roomOf func(string) *Room, datas []any, volatile bool) {
	roomID, payload, metadata, ack := parseBroadcastArgs(datas)
	if roomID == "" {
		err := fmt.Errorf("missing room id")
		respondWithAck(socket, ack, "broadcast-ack", makeBroadcastAckPayload(payload, err), err)
		return
	}

	if f, ok := frameOf(payload, metadata); ok {
		room := roomOf(roomID)
		if room == nil {
			err := fmt.Errorf("not in room %s", roomID)
			respondWithAck(socket, ack, "broadcast-ack", makeBroadcastAckPayload(payload, err), err)
			return
		}
		room.Handle(peer, f)
		respondWithAck(socket, ack, "broadcast-ack", makeBroadcastAckPayload(payload, nil), nil)
		return
	}

	var emitErr error
	if volatile {
		emitErr = socket.Volatile().Broadcast().To(socketio.Room(roomID)).Emit("client-broadcast", payload, metadata)
	} else {
		emitErr = socket.Broadcast().To(socketio.Room(roomID)).Emit("client-broadcast", payload, metadata)
	}

	if emitErr != nil {
		respondWithAck(socket, ack, "broadcast-ack", makeBroadcastAckPayload(payload, emitErr), emitErr)
		return
	}

	respondWithAck(socket, ack, "broadcast-ack", makeBroadcastAckPayload(payload, nil), nil)
}

// frameOf recognises a broadcast carrying a document frame: binary payload
// and metadata {"type": "sync"|"update"|"awareness"}.
func frameOf(payload, metadata any) (transport.Frame, bool) {
	meta, ok := metadata.(map[string]any)
	if !ok {
		return transport.Frame{}, false
	}
	typ, _ := meta["type"].(string)
	switch typ {
	case transport.FrameSync, transport.FrameUpdate, transport.FrameAwareness:
	default:
		return transport.Frame{}, false
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case interface{ Bytes() []byte }:
		data = v.Bytes()
	default:
		return transport.Frame{}, false
	}
	return transport.Frame{Type: typ, Data: data}, true
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	candidate := datas[len(datas)-1]
	ack = wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}

	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		value.Call(buildAckArgs(typ, err, payload))
	}
}

func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	args := make([]reflect.Value, numIn)

	for i := 0; i < numIn; i++ {
		var argValue any
		switch {
		case numIn == 1 && err != nil:
			argValue = err
		case numIn == 1:
			argValue = payload
		case i == 0:
			argValue = err
		case i == 1:
			argValue = payload
		}
		args[i] = coerceValue(argValue, typ.In(i))
	}

	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(targetType):
		return rv
	case rv.Type().ConvertibleTo(targetType):
		return rv.Convert(targetType)
	case targetType.Kind() == reflect.Interface && (rv.Type().Implements(targetType) || targetType.NumMethod() == 0):
		return rv
	case targetType.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}

	if targetType.Kind() == reflect.Map && targetType.Key().Kind() == reflect.String {
		if payload, ok := value.(map[string]any); ok {
			return convertMap(payload, targetType)
		}
	}

	return reflect.Zero(targetType)
}

func convertMap(source map[string]any, targetType reflect.Type) reflect.Value {
	result := reflect.MakeMapWithSize(targetType, len(source))
	for key, val := range source {
		keyValue := reflect.ValueOf(key).Convert(targetType.Key())
		if val == nil {
			result.SetMapIndex(keyValue, reflect.Zero(targetType.Elem()))
			continue
		}
		valueValue := reflect.ValueOf(val)
		if !valueValue.Type().AssignableTo(targetType.Elem()) {
			if valueValue.Type().ConvertibleTo(targetType.Elem()) {
				valueValue = valueValue.Convert(targetType.Elem())
			} else if targetType.Elem().Kind() != reflect.Interface {
				continue
			}
		}
		result.SetMapIndex(keyValue, valueValue)
	}
	return result
}

func respondWithAck(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}

	if socket != nil && event != "" && payload != nil {
		_ = socket.Emit(event, payload)
	}
}

func parseBroadcastArgs(datas []any) (roomID string, payload, metadata any, ack ackInvoker) {
	ack, args := extractAck(datas)
	if len(args) < 3 {
		return "", nil, nil, ack
	}

	roomID, _ = args[0].(string)
	return roomID, args[1], args[2], ack
}

func makeBroadcastAckPayload(original any, ackErr error) map[string]any {
	response := map[string]any{
		"status": "ok",
	}

	if ackErr != nil {
		response["status"] = "error"
		response["error"] = ackErr.Error()
	}

	if messageID := extractMessageID(original); messageID != "" {
		response["messageId"] = messageID
	}

	return response
}

func extractMessageID(original any) string {
	value, ok := original.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := value["__collabMessageId"].(string)
	return id
}
