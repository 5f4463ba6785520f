package ratelimit

import "github.com/redis/go-redis/v9"

// slidingWindowScript implements the RPM sliding window with a sorted set.
// KEYS[1] = window key
// ARGV[1] = now (ns), ARGV[2] = window (ns), ARGV[3] = limit
// Returns 1 when allowed, 0 when limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

// concurrencyScript atomically checks both the key-scoped and user-scoped
// active-session sets and, when both limits hold, adds the session to both.
// A session already present on both sides is always allowed (its membership
// TTL is refreshed).
// KEYS[1] = key session set, KEYS[2] = user session set
// ARGV[1] = session id, ARGV[2] = key limit, ARGV[3] = user limit,
// ARGV[4] = ttl (ms)
// Returns {0, userCount} on success, {1, keyCount} when the key side
// rejected, {2, userCount} when the user side rejected.
var concurrencyScript = redis.NewScript(`
		local keySet  = KEYS[1]
		local userSet = KEYS[2]
		local sid     = ARGV[1]
		local kLimit  = tonumber(ARGV[2])
		local uLimit  = tonumber(ARGV[3])
		local ttl     = tonumber(ARGV[4])

		local kMember = redis.call('SISMEMBER', keySet, sid) == 1
		local uMember = redis.call('SISMEMBER', userSet, sid) == 1

		local kCount = redis.call('SCARD', keySet)
		local uCount = redis.call('SCARD', userSet)

		if not kMember and kLimit > 0 and kCount >= kLimit then
			return {1, kCount}
		end
		if not uMember and uLimit > 0 and uCount >= uLimit then
			return {2, uCount}
		end

		redis.call('SADD', keySet, sid)
		redis.call('SADD', userSet, sid)
		redis.call('PEXPIRE', keySet, ttl)
		redis.call('PEXPIRE', userSet, ttl)
		return {0, redis.call('SCARD', userSet)}
`)

// leaseScript checks every active cost window in order and, only when all
// pass, reserves the per-window amounts and records the lease keys. The
// first violated window wins: no counter is touched and its index (1-based)
// plus current value are returned.
// KEYS = counter keys (n), then lease keys (n)
// ARGV[1] = n, ARGV[2] = lease key TTL (ms, longer than the orphan-scan
// cutoff), ARGV[3] = now (unix ms),
// then per window: limit_i, reserve_i, counterTTL_i (ms, 0 = none)
// Returns {0} on success, {i, tostring(current_i)} on violation.
var leaseScript = redis.NewScript(`
		local n      = tonumber(ARGV[1])
		local lttl   = tonumber(ARGV[2])
		local nowms  = ARGV[3]

		for i = 1, n do
			local limit   = tonumber(ARGV[3 + (i-1)*3 + 1])
			local reserve = tonumber(ARGV[3 + (i-1)*3 + 2])
			local cur     = tonumber(redis.call('GET', KEYS[i]) or '0')
			if limit > 0 and cur + reserve > limit then
				return {i, tostring(cur)}
			end
		end

		for i = 1, n do
			local reserve = tonumber(ARGV[3 + (i-1)*3 + 2])
			local cttl    = tonumber(ARGV[3 + (i-1)*3 + 3])
			redis.call('INCRBYFLOAT', KEYS[i], reserve)
			if cttl > 0 and redis.call('PTTL', KEYS[i]) < 0 then
				redis.call('PEXPIRE', KEYS[i], cttl)
			end
			redis.call('SET', KEYS[n+i], reserve .. '|' .. nowms, 'PX', lttl)
		end
		return {0}
`)

// reconcileScript settles a lease: each counter is adjusted by
// (actual − reserved) and the lease key removed. When the lease key already
// expired the reserved amount is unknown and the full actual cost is added —
// the periodic DB refresh corrects any residue.
// KEYS = counter keys (n), then lease keys (n)
// ARGV[1] = n, ARGV[2] = actual cost
var reconcileScript = redis.NewScript(`
		local n      = tonumber(ARGV[1])
		local actual = tonumber(ARGV[2])

		for i = 1, n do
			local reserved = 0
			local raw = redis.call('GET', KEYS[n+i])
			if raw then
				local sep = string.find(raw, '|', 1, true)
				if sep then
					reserved = tonumber(string.sub(raw, 1, sep-1)) or 0
				else
					reserved = tonumber(raw) or 0
				end
				redis.call('DEL', KEYS[n+i])
			end
			local adj = actual - reserved
			if adj ~= 0 then
				local v = tonumber(redis.call('INCRBYFLOAT', KEYS[i], adj))
				if v < 0 then
					redis.call('SET', KEYS[i], '0', 'KEEPTTL')
				end
			end
		end
		return 1
`)

// dropLeaseScript releases an orphaned lease found by the background scan:
// the reserved amount is subtracted from the counter and the lease deleted.
// KEYS[1] = counter key, KEYS[2] = lease key
// ARGV[1] = cutoff (unix ms); leases created after the cutoff are left alone.
var dropLeaseScript = redis.NewScript(`
		local raw = redis.call('GET', KEYS[2])
		if not raw then
			return 0
		end
		local sep = string.find(raw, '|', 1, true)
		if not sep then
			return 0
		end
		local reserved = tonumber(string.sub(raw, 1, sep-1)) or 0
		local created  = tonumber(string.sub(raw, sep+1)) or 0
		if created > tonumber(ARGV[1]) then
			return 0
		end
		redis.call('DEL', KEYS[2])
		if reserved ~= 0 then
			local v = tonumber(redis.call('INCRBYFLOAT', KEYS[1], -reserved))
			if v < 0 then
				redis.call('SET', KEYS[1], '0', 'KEEPTTL')
			end
		end
		return 1
`)
