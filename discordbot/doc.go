// Package discordbot implements the Teamcraft community Discord bot.
//
// The bot has two independent responsibilities:
//
//   - Commands: users type a prefixed command (ex: `!!blockedsite`) and the
//     bot answers in the same channel with a formatted informational embed.
//   - Commissions: an external feed announces commission records being
//     created, updated or deleted. [CommissionSub] keeps one message per
//     open commission in the channel for the commission's datacenter,
//     editing it as the commission changes and removing it once the
//     commission is started, archived or deleted.
//
// Key components of the package include:
//
//   - Bot: The main struct, which wires configuration, logging, the database,
//     the Discord session, the API server and the commission feeds together.
//   - Discord: Handles the Discord session and gateway event handlers.
//   - CommandHandler: Dispatches prefixed chat commands to [Command] implementations.
//   - CommissionSub: Reconciles commission records with Discord messages.
//   - BindingStore: Remembers which Discord message belongs to which commission.
//   - API: Serves the commission feed webhook and a small admin API.
//
// Commission events can be received via the HTTP webhook
// (`POST /feed/commissions/:event`) or via PostgreSQL LISTEN/NOTIFY.
package discordbot
