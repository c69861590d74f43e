package config

// DefaultConfigTOML is a complete, commented sample cowfork.toml.
const DefaultConfigTOML = `# cowfork configuration file
# Every key is optional; the values shown are the defaults.
# COWFORK_LOG_LEVEL, COWFORK_LOG_FORMAT and COWFORK_MACHINE_FRAMES
# override the file.

[log]
# level = "info"                # debug, info, warn, error
# format = "json"               # json, text

[machine]
# frames = 1024                 # physical frames, page tables included
# max_envs = 64                 # environment table size (max 1024)
# console_size = 16384          # kernel console buffer in bytes

[fork]
# rollback = true               # destroy a child whose setup failed

[scenario]
# pages = 4                     # pages filled at UTEXT before forking
# children = 1                  # children forked from the first process
# write_offset = 0              # byte the parent writes after forking

[metrics]
# dump = false                  # print cowfork_* metrics after a run
`
