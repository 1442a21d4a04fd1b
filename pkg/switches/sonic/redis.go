package sonic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hil-network/hil/pkg/util"
)

// Redis database numbers on a SONiC switch.
const (
	configDBIndex = 4
	stateDBIndex  = 6
)

// Table names in CONFIG_DB.
const (
	tableVLAN       = "VLAN"
	tableVLANMember = "VLAN_MEMBER"
)

func vlanName(vlan int) string {
	return fmt.Sprintf("Vlan%d", vlan)
}

func key(parts ...string) string {
	return strings.Join(parts, "|")
}

func vlanKey(vlan int) string {
	return key(tableVLAN, vlanName(vlan))
}

func memberKey(vlan int, port string) string {
	return key(tableVLANMember, vlanName(vlan), port)
}

// parseMemberKey splits "VLAN_MEMBER|Vlan100|Ethernet0".
func parseMemberKey(k string) (vlan int, port string, ok bool) {
	parts := strings.SplitN(k, "|", 3)
	if len(parts) != 3 || parts[0] != tableVLANMember || !strings.HasPrefix(parts[1], "Vlan") {
		return 0, "", false
	}
	if _, err := fmt.Sscanf(parts[1], "Vlan%d", &vlan); err != nil {
		return 0, "", false
	}
	return vlan, parts[2], true
}

func newClient(addr string, db int, timeout time.Duration) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
}

// scanKeys collects keys matching pattern with cursor-based SCAN.
func scanKeys(ctx context.Context, client *redis.Client, pattern string, countHint int64) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, countHint).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// acquireLockScript takes the lock if free or already ours, refreshing the
// TTL. Returns 1 on success, 0 if another holder has it.
var acquireLockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 and redis.call("HGET", key, "holder") ~= ARGV[1] then
	return 0
end
redis.call("HSET", key, "holder", ARGV[1], "acquired", ARGV[2], "ttl", ARGV[3])
redis.call("EXPIRE", key, tonumber(ARGV[3]))
return 1
`)

// releaseLockScript deletes the lock if ARGV[1] holds it. Returns 1 on
// success, 0 on holder mismatch, -1 if there is no lock.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
	return -1
end
if redis.call("HGET", key, "holder") ~= ARGV[1] then
	return 0
end
redis.call("DEL", key)
return 1
`)

// LockTTL bounds how long a crashed holder blocks a switch.
const LockTTL = 5 * time.Minute

func lockKey(sw string) string {
	return key("HIL_LOCK", sw)
}

func acquireLock(ctx context.Context, client *redis.Client, sw, holder string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	ttl := fmt.Sprintf("%d", int(LockTTL.Seconds()))
	result, err := acquireLockScript.Run(ctx, client, []string{lockKey(sw)}, holder, now, ttl).Int()
	if err != nil {
		return util.NewSwitchCommError(sw, "lock", err)
	}
	if result == 0 {
		current, _ := client.HGet(ctx, lockKey(sw), "holder").Result()
		return fmt.Errorf("switch %s: %w (held by %s)", sw, util.ErrSwitchLocked, current)
	}
	return nil
}

func releaseLock(ctx context.Context, client *redis.Client, sw, holder string) error {
	result, err := releaseLockScript.Run(ctx, client, []string{lockKey(sw)}, holder).Int()
	if err != nil {
		return util.NewSwitchCommError(sw, "unlock", err)
	}
	if result == 0 {
		return fmt.Errorf("switch %s: lock holder mismatch for %s", sw, holder)
	}
	return nil
}
