// The Redis port exposes a task bag over RESP, so any Redis client can feed and sample it:
//
//	PUTIN key priority [durability [quality]]       -> evicted key or nil
//	PUTBACK key priority durability quality [cycles] -> evicted key or nil
//	TAKEOUT | PICKOUT key | GET key                  -> [key, priority, durability, quality] or nil
//	EXISTS key [key ...] | DBSIZE | BUFSIZE          -> integer
//	AVGPRI                                           -> average priority
//	MIGRATE [rounds]                                 -> migrated count
//	KEYS pattern [limit]                             -> sorted keys
//	FORGOTTEN key                                    -> 1 if the key was probably evicted recently
//	FLUSHALL | PING [message] | QUIT

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nobletooth/levelbag/pkg/budget"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/redcon"
	"golang.org/x/time/rate"
)

const (
	RedisOk = "OK"

	defaultDurability = 0.5
	defaultQuality    = 0.5
)

var (
	address          = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")
	commandRateLimit = flag.Float64("command_rate_limit", 0,
		"Max commands per second per connection; 0 disables the limit.")
	commandBurst = flag.Int("command_burst", 100, "Commands a connection may send at once above the rate limit.")
)

var commandCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "port_commands_total",
	Help: "Total number of Redis commands handled.",
}, []string{"command", "status" /* ok | error | limited */})

var errRateLimited = errors.New("rate limit exceeded")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeBulk       *string  // Writes a bulk string if set.
	writeArray      []string // Writes an array of bulk strings if non-nil.
	writeString     string   // Writes a simple string otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulk(s string) redisOutput {
	return redisOutput{writeBulk: &s}
}

func writeRedisArray(items []string) redisOutput {
	if items == nil {
		items = []string{}
	}
	return redisOutput{writeArray: items}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArgs(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// writeTask writes a task as [key, priority, durability, quality], or nil when not found.
func writeTask(task *budget.Task, found bool) redisOutput {
	if !found {
		return writeRedisNil()
	}
	return writeRedisArray([]string{task.Name, formatFloat(task.Budget.Priority),
		formatFloat(task.Budget.Durability), formatFloat(task.Budget.Quality)})
}

// writeEvicted writes the key of the task that left the bag, or nil.
func writeEvicted(task *budget.Task, evicted bool) redisOutput {
	if !evicted {
		return writeRedisNil()
	}
	return writeRedisBulk(task.Name)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', 4, 64) }

// parseFloats parses every argument as a float.
func parseFloats(args []string) ([]float64, error) {
	values := make([]float64, len(args))
	for i, arg := range args {
		value, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("value is not a valid float: '%s'", arg)
		}
		values[i] = value
	}
	return values, nil
}

type redisHandler struct {
	tasks *TaskBag
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(tasks *TaskBag) (*redisHandler, error) {
	if tasks == nil {
		return nil, errors.New("expected a non-nil task bag")
	}
	return &redisHandler{tasks: tasks}, nil
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		if len(cmd.args) > 1 {
			return wrongArgs(cmd.command)
		}
		if len(cmd.args) == 1 {
			return writeRedisBulk(cmd.args[0])
		}
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "PUTIN":
		if len(cmd.args) < 2 || len(cmd.args) > 4 {
			return wrongArgs(cmd.command)
		}
		values, err := parseFloats(cmd.args[1:])
		if err != nil {
			return writeRedisError(err)
		}
		b := budget.Budget{Priority: values[0], Durability: defaultDurability, Quality: defaultQuality}
		if len(values) > 1 {
			b.Durability = values[1]
		}
		if len(values) > 2 {
			b.Quality = values[2]
		}
		task, err := budget.NewTask(cmd.args[0], "" /*content*/, b)
		if err != nil {
			return writeRedisError(err)
		}
		return writeEvicted(rh.tasks.PutIn(task))
	case "PUTBACK":
		if len(cmd.args) < 4 || len(cmd.args) > 5 {
			return wrongArgs(cmd.command)
		}
		values, err := parseFloats(cmd.args[1:])
		if err != nil {
			return writeRedisError(err)
		}
		task, err := budget.NewTask(cmd.args[0], "" /*content*/, budget.Budget{
			Priority: values[0], Durability: values[1], Quality: values[2]})
		if err != nil {
			return writeRedisError(err)
		}
		var cycles *float64
		if len(values) == 4 {
			if values[3] < 0 {
				return writeRedisError(errors.New("cycles must not be negative"))
			}
			cycles = &values[3]
		}
		return writeEvicted(rh.tasks.PutBack(task, cycles))
	case "TAKEOUT":
		if len(cmd.args) != 0 {
			return wrongArgs(cmd.command)
		}
		return writeTask(rh.tasks.TakeOut())
	case "PICKOUT":
		if len(cmd.args) != 1 {
			return wrongArgs(cmd.command)
		}
		return writeTask(rh.tasks.PickOut(cmd.args[0]))
	case "GET":
		if len(cmd.args) != 1 {
			return wrongArgs(cmd.command)
		}
		return writeTask(rh.tasks.Get(cmd.args[0]))
	case "EXISTS":
		if len(cmd.args) < 1 {
			return wrongArgs(cmd.command)
		}
		existing := 0
		for _, key := range cmd.args {
			if _, found := rh.tasks.Get(key); found {
				existing++
			}
		}
		return writeRedisInt(existing)
	case "DBSIZE":
		return writeRedisInt(rh.tasks.Size())
	case "BUFSIZE":
		return writeRedisInt(rh.tasks.BufferSize())
	case "AVGPRI":
		return writeRedisBulk(formatFloat(rh.tasks.AveragePriority()))
	case "MIGRATE":
		if len(cmd.args) > 1 {
			return wrongArgs(cmd.command)
		}
		rounds := 1
		if len(cmd.args) == 1 {
			parsed, err := strconv.Atoi(cmd.args[0])
			if err != nil || parsed <= 0 {
				return writeRedisError(errors.New("rounds must be a positive integer"))
			}
			rounds = parsed
		}
		return writeRedisInt(rh.tasks.Migrate(rounds))
	case "KEYS":
		if len(cmd.args) < 1 || len(cmd.args) > 2 {
			return wrongArgs(cmd.command)
		}
		limit := 0
		if len(cmd.args) == 2 {
			parsed, err := strconv.Atoi(cmd.args[1])
			if err != nil || parsed < 0 {
				return writeRedisError(errors.New("limit must be a non-negative integer"))
			}
			limit = parsed
		}
		keys, err := rh.tasks.Keys(cmd.args[0], limit)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisArray(keys)
	case "FORGOTTEN":
		if len(cmd.args) != 1 {
			return wrongArgs(cmd.command)
		}
		if rh.tasks.Forgotten(cmd.args[0]) {
			return writeRedisInt(1)
		}
		return writeRedisInt(0)
	case "FLUSHALL":
		rh.tasks.Flush()
		return writeRedisString(RedisOk)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// writeOutput writes `output` to `conn` and closes the connection if asked to.
func writeOutput(conn redcon.Conn, output redisOutput) {
	switch {
	case output.err != nil:
		conn.WriteError(*output.err)
	case output.writeNil:
		conn.WriteNull()
	case output.writeInt != nil:
		conn.WriteInt(*output.writeInt)
	case output.writeBulk != nil:
		conn.WriteBulkString(*output.writeBulk)
	case output.writeArray != nil:
		conn.WriteArray(len(output.writeArray))
		for _, item := range output.writeArray {
			conn.WriteBulkString(item)
		}
	default:
		conn.WriteString(output.writeString)
	}
	if output.closeConnection {
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close connection.", "error", err)
		}
	}
}

// serve handles one command of `conn`.
func (rh *redisHandler) serve(conn redcon.Conn, cmd redcon.Command) {
	command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])), args: make([]string, len(cmd.Args)-1)}
	for i := 1; i < len(cmd.Args); i++ {
		command.args[i-1] = string(cmd.Args[i])
	}
	if limiter, ok := conn.Context().(*rate.Limiter); ok && !limiter.Allow() {
		commandCounter.WithLabelValues(command.command, "limited").Inc()
		writeOutput(conn, writeRedisError(errRateLimited))
		return
	}
	output := rh.handle(command)
	status := "ok"
	if output.err != nil {
		status = "error"
	}
	commandCounter.WithLabelValues(command.command, status).Inc()
	writeOutput(conn, output)
}

// accept attaches the per-connection rate limiter, if any.
func accept(conn redcon.Conn) bool {
	if *commandRateLimit > 0 {
		conn.SetContext(rate.NewLimiter(rate.Limit(*commandRateLimit), max(*commandBurst, 1)))
	}
	return true
}

// RunRedisServer serves `tasks` over the Redis protocol until `ctx` is cancelled.
func RunRedisServer(ctx context.Context, tasks *TaskBag) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := newRedisHandler(tasks)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address, redisHandler.serve, accept,
		/*closed*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Connection closed with an error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		slog.Info("Serving Redis protocol.", "address", *address)
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()

	return awaitServer(ctx, serverErrSignal, redisServer.Close)
}

// awaitServer blocks until `ctx` is cancelled, then closes the server, or until the server goroutine reports its exit
// on `serverErrSignal`. A closed signal without an error is a clean exit.
func awaitServer(ctx context.Context, serverErrSignal <-chan error, closeServer func() error) error {
	select {
	case <-ctx.Done():
		if err := closeServer(); err != nil {
			return fmt.Errorf("failed to close redis server: %w", err)
		}
	case err, ok := <-serverErrSignal:
		if !ok {
			return nil
		}
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
