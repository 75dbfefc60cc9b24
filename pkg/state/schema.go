package state

// The persisted layout. All fixed-length hashes are exactly 32 bytes and the
// schema enforces it; blocks and transactions are append-only with triggers
// forbidding update and delete. The single-row chain_state head pointer is
// advanced by an insert trigger on blocks.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS accounts (
    address    BLOB PRIMARY KEY CHECK (length(address) = 32),
    balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    nonce      INTEGER NOT NULL DEFAULT 0 CHECK (nonce >= 0),
    created_at INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS transactions (
    tx_hash      BLOB PRIMARY KEY CHECK (length(tx_hash) = 32),
    block_number INTEGER NOT NULL CHECK (block_number >= 0),
    from_address BLOB NOT NULL CHECK (length(from_address) = 32),
    to_address   BLOB NOT NULL CHECK (length(to_address) = 32),
    amount       INTEGER NOT NULL,
    fee          INTEGER NOT NULL,
    nonce        INTEGER NOT NULL,
    gas_used     INTEGER NOT NULL,
    timestamp    INTEGER NOT NULL
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_transactions_block ON transactions(block_number);
CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_address);

CREATE TABLE IF NOT EXISTS blocks (
    block_number INTEGER PRIMARY KEY CHECK (block_number >= 0),
    block_hash   BLOB NOT NULL UNIQUE CHECK (length(block_hash) = 32),
    parent_hash  BLOB NOT NULL CHECK (length(parent_hash) = 32),
    state_root   BLOB NOT NULL CHECK (length(state_root) = 32),
    tx_root      BLOB NOT NULL CHECK (length(tx_root) = 32),
    timestamp    INTEGER NOT NULL,
    validator    BLOB NOT NULL CHECK (length(validator) = 32),
    difficulty   INTEGER NOT NULL,
    nonce        INTEGER NOT NULL,
    gas_limit    INTEGER NOT NULL,
    gas_used     INTEGER NOT NULL CHECK (gas_used <= gas_limit),
    extra_data   BLOB NOT NULL CHECK (length(extra_data) = 32),
    tx_count     INTEGER NOT NULL,
    tx_data      BLOB NOT NULL,
    created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chain_state (
    id                 INTEGER PRIMARY KEY CHECK (id = 1),
    head_block_number  INTEGER NOT NULL DEFAULT 0,
    head_block_hash    BLOB NOT NULL DEFAULT x'0000000000000000000000000000000000000000000000000000000000000000',
    genesis_hash       BLOB NOT NULL DEFAULT x'0000000000000000000000000000000000000000000000000000000000000000',
    genesis_timestamp  INTEGER NOT NULL DEFAULT 0,
    block_time_seconds INTEGER NOT NULL DEFAULT 10,
    validator_count    INTEGER NOT NULL DEFAULT 0,
    total_blocks       INTEGER NOT NULL DEFAULT 0,
    total_transactions INTEGER NOT NULL DEFAULT 0,
    updated_at         INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO chain_state (id) VALUES (1);

CREATE TABLE IF NOT EXISTS validators (
    address              BLOB PRIMARY KEY CHECK (length(address) = 32),
    active               INTEGER NOT NULL DEFAULT 1 CHECK (active IN (0, 1)),
    blocks_produced      INTEGER NOT NULL DEFAULT 0,
    last_block_number    INTEGER NOT NULL DEFAULT 0,
    last_block_timestamp INTEGER NOT NULL DEFAULT 0,
    registered_at        INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS schema_version (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS blocks_forbid_update
BEFORE UPDATE ON blocks
BEGIN
    SELECT RAISE(ABORT, 'blocks are immutable');
END;

CREATE TRIGGER IF NOT EXISTS blocks_forbid_delete
BEFORE DELETE ON blocks
BEGIN
    SELECT RAISE(ABORT, 'blocks are immutable');
END;

CREATE TRIGGER IF NOT EXISTS transactions_forbid_update
BEFORE UPDATE ON transactions
BEGIN
    SELECT RAISE(ABORT, 'transactions are append-only');
END;

CREATE TRIGGER IF NOT EXISTS transactions_forbid_delete
BEFORE DELETE ON transactions
BEGIN
    SELECT RAISE(ABORT, 'transactions are append-only');
END;

CREATE TRIGGER IF NOT EXISTS blocks_advance_head
AFTER INSERT ON blocks
BEGIN
    UPDATE chain_state
    SET total_blocks       = total_blocks + 1,
        total_transactions = total_transactions + NEW.tx_count,
        updated_at         = strftime('%s', 'now')
    WHERE id = 1;
    UPDATE chain_state
    SET head_block_number = NEW.block_number,
        head_block_hash   = NEW.block_hash
    WHERE id = 1 AND (total_blocks = 1 OR NEW.block_number >= head_block_number);
END;

CREATE VIEW IF NOT EXISTS chain_stats AS
SELECT cs.head_block_number,
       cs.head_block_hash,
       cs.genesis_hash,
       cs.total_blocks,
       cs.total_transactions,
       cs.validator_count,
       (SELECT COUNT(*) FROM accounts) AS account_count,
       cs.updated_at
FROM chain_state cs
WHERE cs.id = 1;
`

const schemaVersion = 1
