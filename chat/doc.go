// Package chat runs the bot identity's chat session over Twitch IRC.
//
// A Session joins the channel resolved by the events session, greets the
// channel after every join, and turns incoming messages into observer
// callbacks:
//   - the first message from a user ID fires Seen once per process lifetime
//     and records the user in the ChatterLog;
//   - a message starting with "!" dispatches Command with the lowercased
//     first word after the bang;
//   - a message starting with "@<botname>" is answered locally with a help
//     line (moderator commands included for moderators) and is not
//     dispatched as a command.
//
// Say is fire-and-forget: text sent while disconnected is dropped.
package chat
