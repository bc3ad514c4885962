package main

// a convergence sim: an in-process relay, n sessions in one room, each
// drawing shapes through its own engine. at the end every replica must
// project an identical element list.

import (
	"context"
	"flag"
	"fmt"
	"log"
	mathrand "math/rand"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/scriblio/scriblio/board"
	"github.com/scriblio/scriblio/collab"
	"github.com/scriblio/scriblio/relay"
)

const RoomSimVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Scriblio room convergence sim.

Usage:
    roomsim [--users=<users>] [--shapes=<shapes>] [--settle=<settle>] [--verbose]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --users=<users>    Concurrent sessions in the room [default: 4].
    --shapes=<shapes>  Shapes drawn per session [default: 25].
    --settle=<settle>  Settle time in seconds after drawing [default: 3].
    --verbose          Verbose logging.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RoomSimVersion)
	if err != nil {
		panic(err)
	}

	if verbose, _ := opts.Bool("--verbose"); verbose {
		initGlog("1")
	} else {
		initGlog("0")
	}

	userCount, _ := opts.Int("--users")
	shapeCount, _ := opts.Int("--shapes")
	settleSeconds, _ := opts.Int("--settle")

	sim := &RoomSim{
		userCount:  userCount,
		shapeCount: shapeCount,
		settle:     time.Duration(settleSeconds) * time.Second,
	}
	if err := sim.Run(); err != nil {
		Err.Fatalf("sim failed (%s)", err)
	}
	Out.Printf("converged")
}

type RoomSim struct {
	userCount  int
	shapeCount int
	settle     time.Duration
}

func (self *RoomSim) Run() error {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	server, err := relay.NewServerWithDefaults(cancelCtx, listener.Addr().String(), "")
	if err != nil {
		return err
	}
	defer server.Close()
	go http.Serve(listener, server.Handler())

	relayUrl := fmt.Sprintf("ws://%s/ws", listener.Addr())
	roomId := collab.NewId().String()
	Out.Printf("room %s on %s", roomId, relayUrl)

	replicas := []*simReplica{}
	for i := 0; i < self.userCount; i += 1 {
		replica, err := newSimReplica(cancelCtx, roomId, relayUrl, fmt.Sprintf("sim-%02d", i))
		if err != nil {
			return err
		}
		defer replica.session.Close()
		replicas = append(replicas, replica)
	}

	// wait for every session to sync before drawing
	syncDeadline := time.Now().Add(15 * time.Second)
	for _, replica := range replicas {
		for !replica.session.Status().Synced {
			if syncDeadline.Before(time.Now()) {
				return fmt.Errorf("replica %s did not sync", replica.userId)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	for i := 0; i < self.shapeCount; i += 1 {
		for _, replica := range replicas {
			replica.drawShape()
		}
		time.Sleep(20 * time.Millisecond)
	}

	Out.Printf("drew %d shapes across %d sessions, settling %s", self.userCount*self.shapeCount, self.userCount, self.settle)
	time.Sleep(self.settle)

	reference := board.Signature(replicas[0].session.Document().Elements())
	referenceCount := len(replicas[0].session.Document().Elements())
	for _, replica := range replicas[1:] {
		signature := board.Signature(replica.session.Document().Elements())
		if signature != reference {
			return fmt.Errorf("replica %s diverged", replica.userId)
		}
	}
	Out.Printf("%d replicas agree on %d elements", len(replicas), referenceCount)
	return nil
}

type simReplica struct {
	userId  string
	session *collab.Session
	engine  *board.Engine
}

func newSimReplica(ctx context.Context, roomId string, relayUrl string, userId string) (*simReplica, error) {
	settings := collab.DefaultSessionSettings()
	settings.DisableMesh = true
	session, err := collab.NewSession(ctx, &collab.SessionConfig{
		RoomId:   roomId,
		UserId:   userId,
		UserName: userId,
		RelayUrl: relayUrl,
	}, settings)
	if err != nil {
		return nil, err
	}

	// the engine only feeds local commits here. the convergence check
	// reads the document projection directly, so remote merges never
	// have to re-enter the single threaded engine
	engine := board.NewEngineWithDefaults(board.DefaultAppState())
	engine.SetOnCommitted(func(elements []*board.Element) {
		session.Document().ApplyLocal(elements)
	})

	return &simReplica{
		userId:  userId,
		session: session,
		engine:  engine,
	}, nil
}

// one committed rectangle at a random position, drawn through the
// normal pointer path
func (self *simReplica) drawShape() {
	x := float64(mathrand.Intn(2000))
	y := float64(mathrand.Intn(2000))
	w := float64(20 + mathrand.Intn(200))
	h := float64(20 + mathrand.Intn(200))

	self.engine.SetTool(board.ToolRectangle)
	self.engine.PointerDown(x, y, false)
	self.engine.PointerMove(x+w, y+h)
	self.engine.PointerUp(x+w, y+h)
}

func initGlog(v string) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", v)
	flag.Parse()
}
