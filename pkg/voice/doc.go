// Package voice orchestrates full-duplex voice conversations.
//
// A Service builds the two halves of every turn: a thinker session that
// streams the model's answer and runs its tools, and a talker session that
// turns that answer into queued audio sentence by sentence. A Conversation
// ties them to one connected client, pipelining the halves so speech
// starts while the model is still generating, and lets the user barge in
// at any time.
//
// # Usage
//
//	svc, err := voice.NewService(voice.DefaultConfig(), voice.Deps{
//	    LLM:   llm,
//	    TTS:   speech,
//	    Store: conversation.NewMemoryStore(1000, time.Hour),
//	    Tools: registry,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	conv := svc.NewConversation(ctx, conversationID, userID)
//	defer conv.Close()
//
//	turn, err := conv.StartTurn("what's the weather like?", conversation.ModeVoice)
//	if err != nil {
//	    return err
//	}
//	go func() {
//	    for {
//	        chunk, err := turn.NextAudio(ctx)
//	        if err != nil {
//	            return
//	        }
//	        speaker.Write(chunk.Data)
//	    }
//	}()
//	for ev := range turn.Events() {
//	    if ev.Type == voice.EventToken {
//	        fmt.Print(ev.Token)
//	    }
//	}
//
// # Barge-in
//
// BargeIn cancels the talker before the thinker, so queued audio is gone
// by the time it returns. With AutoBargeIn, inbound audio frames passed to
// ProcessAudio trigger the same path once the user has been speaking for
// a few consecutive frames.
//
// # Degradation
//
// Each conversation tracks link quality. When the strategy calls for text
// only, new turns skip synthesis and deliver tokens and the response.
//
// # Latency Metrics
//
// Every turn records per-stage latency:
//
//	m := conv.Metrics().Current()
//	fmt.Printf("LLM: %dms, TTS: %dms, Total: %dms\n",
//	    m.LLMFirstToken.Milliseconds(),
//	    m.TTSFirstAudio.Milliseconds(),
//	    m.TotalLatency.Milliseconds(),
//	)
package voice
